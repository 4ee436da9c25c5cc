package places

import "github.com/example/ride-dispatch/internal/models"

func at(lat, lon float64) models.Coord { return models.Coord{Lat: lat, Lon: lon} }

var lagosPlaces = []Place{
	{ID: "lga_ikeja", Name: "Ikeja", Description: "Lagos State Capital", Loc: at(6.6018, 3.3515), Category: CategoryLGA, Aliases: []string{"Capital"}},
	{ID: "lga_eti_osa", Name: "Eti-Osa", Description: "Lagos Island", Loc: at(6.4400, 3.5400), Category: CategoryLGA},
	{ID: "lga_lagos_island", Name: "Lagos Island", Description: "Isale Eko", Loc: at(6.4549, 3.4246), Category: CategoryLGA, Aliases: []string{"Isale Eko"}},
	{ID: "lga_surulere", Name: "Surulere", Description: "Lagos Mainland", Loc: at(6.4975, 3.3653), Category: CategoryLGA},
	{ID: "lga_yaba", Name: "Yaba", Description: "Lagos Mainland", Loc: at(6.5163, 3.3768), Category: CategoryLGA, Aliases: []string{"Tech Hub"}},
	{ID: "lga_ikorodu", Name: "Ikorodu", Description: "Lagos East", Loc: at(6.6194, 3.5105), Category: CategoryLGA},
	{ID: "lga_epe", Name: "Epe", Description: "Lagos East", Loc: at(6.5841, 3.9834), Category: CategoryLGA},
	{ID: "lga_badagry", Name: "Badagry", Description: "Lagos West", Loc: at(6.4316, 2.8876), Category: CategoryLGA},
	{ID: "lga_oshodi", Name: "Oshodi-Isolo", Description: "Lagos Mainland", Loc: at(6.5530, 3.3440), Category: CategoryLGA},

	{ID: "tr_mmia", Name: "Murtala Muhammed Int. Airport", Description: "Ikeja", Loc: at(6.5774, 3.3210), Category: CategoryAirport, Aliases: []string{"MMIA", "International Airport"}},
	{ID: "tr_mma2", Name: "MMA2 Terminal", Description: "Ikeja", Loc: at(6.5732, 3.3338), Category: CategoryAirport, Aliases: []string{"Local Airport"}},
	{ID: "tr_oshodi_term", Name: "Oshodi Transport Interchange", Description: "Oshodi", Loc: at(6.5560, 3.3480), Category: CategoryTransport, Aliases: []string{"Terminal 1", "Terminal 2", "Terminal 3"}},
	{ID: "tr_cms", Name: "CMS Bus Stop", Description: "Marina, Lagos Island", Loc: at(6.4500, 3.3900), Category: CategoryTransport, Aliases: []string{"Marina"}},
	{ID: "tr_ojota", Name: "Ojota Bus Stop", Description: "Ojota", Loc: at(6.5850, 3.3800), Category: CategoryTransport},
	{ID: "tr_berger", Name: "Berger Bus Stop", Description: "Berger", Loc: at(6.6450, 3.3700), Category: CategoryTransport},
	{ID: "tr_ajah", Name: "Ajah Roundabout", Description: "Ajah", Loc: at(6.4667, 3.5667), Category: CategoryTransport, Aliases: []string{"Ajah Bridge"}},

	{ID: "com_ikeja_mall", Name: "Ikeja City Mall", Description: "Alausa, Ikeja", Loc: at(6.6136, 3.3578), Category: CategoryShopping, Aliases: []string{"ICM"}},
	{ID: "com_palms", Name: "The Palms Shopping Mall", Description: "Lekki", Loc: at(6.4339, 3.4456), Category: CategoryShopping, Aliases: []string{"Shoprite Lekki"}},
	{ID: "com_novare", Name: "Novare Lekki Mall", Description: "Sangotedo", Loc: at(6.4800, 3.6000), Category: CategoryShopping, Aliases: []string{"Shoprite Sangotedo"}},
	{ID: "com_maryland", Name: "Maryland Mall", Description: "Maryland", Loc: at(6.5700, 3.3680), Category: CategoryShopping, Aliases: []string{"The Big Black Box"}},
	{ID: "com_tejuosho", Name: "Tejuosho Market", Description: "Yaba", Loc: at(6.5050, 3.3700), Category: CategoryCommercial},
	{ID: "com_balogun", Name: "Balogun Market", Description: "Lagos Island", Loc: at(6.4560, 3.3880), Category: CategoryCommercial},
	{ID: "com_computer_village", Name: "Computer Village", Description: "Ikeja", Loc: at(6.5960, 3.3420), Category: CategoryCommercial, Aliases: []string{"Otigba"}},

	{ID: "res_lekki_1", Name: "Lekki Phase 1", Description: "Eti-Osa", Loc: at(6.4478, 3.4737), Category: CategoryResidential, Aliases: []string{"Phase 1"}},
	{ID: "res_banana", Name: "Banana Island", Description: "Ikoyi", Loc: at(6.4600, 3.4500), Category: CategoryResidential},
	{ID: "res_magodo", Name: "Magodo Phase 2", Description: "Shangisha", Loc: at(6.6200, 3.3800), Category: CategoryResidential},
	{ID: "res_vgc", Name: "Victoria Garden City", Description: "Lekki-Epe Exp", Loc: at(6.4700, 3.5400), Category: CategoryResidential, Aliases: []string{"VGC"}},
	{ID: "res_1004", Name: "1004 Estate", Description: "Victoria Island", Loc: at(6.4350, 3.4300), Category: CategoryResidential},

	{ID: "hot_eko", Name: "Eko Hotels & Suites", Description: "Victoria Island", Loc: at(6.4267, 3.4301), Category: CategoryHotel},
	{ID: "hot_continental", Name: "Lagos Continental Hotel", Description: "Victoria Island", Loc: at(6.4300, 3.4350), Category: CategoryHotel},
	{ID: "tour_landmark", Name: "Landmark Beach", Description: "Victoria Island", Loc: at(6.4217, 3.4468), Category: CategoryTourism},
	{ID: "tour_nike", Name: "Nike Art Gallery", Description: "Lekki", Loc: at(6.4450, 3.4800), Category: CategoryTourism},
	{ID: "tour_conservation", Name: "Lekki Conservation Centre", Description: "Lekki", Loc: at(6.4410, 3.5350), Category: CategoryTourism, Aliases: []string{"LCC"}},
	{ID: "tour_museum", Name: "National Museum Lagos", Description: "Onikan", Loc: at(6.4460, 3.4030), Category: CategoryTourism},

	{ID: "edu_unilag", Name: "University of Lagos", Description: "Akoka, Yaba", Loc: at(6.5150, 3.3950), Category: CategoryEducation, Aliases: []string{"UNILAG"}},
	{ID: "edu_yabatech", Name: "Yaba College of Technology", Description: "Yaba", Loc: at(6.5200, 3.3700), Category: CategoryEducation, Aliases: []string{"YABATECH"}},
	{ID: "edu_lasu", Name: "Lagos State University", Description: "Ojo", Loc: at(6.4650, 3.1950), Category: CategoryEducation, Aliases: []string{"LASU"}},

	{ID: "lm_civic", Name: "The Civic Centre", Description: "Victoria Island", Loc: at(6.4368, 3.4413), Category: CategoryLandmark},
	{ID: "lm_national_theatre", Name: "National Arts Theatre", Description: "Iganmu", Loc: at(6.4760, 3.3680), Category: CategoryLandmark},
	{ID: "lm_third_mainland", Name: "Third Mainland Bridge", Description: "Lagos Lagoon", Loc: at(6.5300, 3.4000), Category: CategoryLandmark, Aliases: []string{"3MB"}},
}
