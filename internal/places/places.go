// Package places is the Lagos service area and a small gazetteer of
// well-known pickup points used for search and reverse lookups.
package places

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	maxResults = 10
	nearKm     = 0.2
)

type Category string

const (
	CategoryLGA         Category = "LGA"
	CategoryAirport     Category = "Airport"
	CategoryHotel       Category = "Hotel"
	CategoryShopping    Category = "Shopping"
	CategoryResidential Category = "Residential"
	CategoryCommercial  Category = "Commercial"
	CategoryTourism     Category = "Tourism"
	CategoryEducation   Category = "Education"
	CategoryTransport   Category = "Transport"
	CategoryLandmark    Category = "Landmark"
)

type Place struct {
	ID          string       `json:"id"`
	Name        string       `json:"display_name"`
	Description string       `json:"description"`
	Loc         models.Coord `json:"loc"`
	Category    Category     `json:"category"`
	Aliases     []string     `json:"aliases,omitempty"`
}

// Bounds is a lat/lon rectangle, inclusive on every edge.
type Bounds struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func (b Bounds) Contains(c models.Coord) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// Lagos approximates the state boundary.
var Lagos = Bounds{MinLat: 6.3, MaxLat: 6.8, MinLon: 2.7, MaxLon: 4.2}

// Gazetteer searches a fixed list of places inside one service area.
type Gazetteer struct {
	area   Bounds
	places []Place
}

func New(area Bounds, places []Place) *Gazetteer {
	return &Gazetteer{area: area, places: places}
}

// NewLagos returns the built-in Lagos gazetteer.
func NewLagos() *Gazetteer { return New(Lagos, lagosPlaces) }

func (g *Gazetteer) InServiceArea(c models.Coord) bool { return g.area.Contains(c) }

// Search matches q case-insensitively against name, description, category
// and aliases, in list order, returning at most ten places.
func (g *Gazetteer) Search(q string) []Place {
	q = strings.ToLower(strings.TrimSpace(q))
	out := []Place{}
	if q == "" {
		return out
	}
	for _, p := range g.places {
		if p.matches(q) {
			out = append(out, p)
			if len(out) == maxResults {
				break
			}
		}
	}
	return out
}

func (p Place) matches(q string) bool {
	if strings.Contains(strings.ToLower(p.Name), q) ||
		strings.Contains(strings.ToLower(p.Description), q) ||
		strings.Contains(strings.ToLower(string(p.Category)), q) {
		return true
	}
	for _, a := range p.Aliases {
		if strings.Contains(strings.ToLower(a), q) {
			return true
		}
	}
	return false
}

// Reverse resolves c to the nearest known place. Within 200 m the place
// itself is returned; otherwise a pinned location described relative to it.
// The second result is false when c lies outside the service area.
func (g *Gazetteer) Reverse(c models.Coord) (Place, bool) {
	if !g.InServiceArea(c) {
		return Place{}, false
	}
	var nearest *Place
	best := 0.0
	for i := range g.places {
		d := geo.Distance(c, g.places[i].Loc)
		if nearest == nil || d < best {
			nearest, best = &g.places[i], d
		}
	}

	if nearest != nil && best < nearKm {
		p := *nearest
		p.Description = fmt.Sprintf("Near %s, %s", nearest.Name, nearest.Description)
		return p, true
	}

	pin := Place{
		ID:       fmt.Sprintf("gps_%.4f_%.4f", c.Lat, c.Lon),
		Name:     "Pinned Location",
		Loc:      c,
		Category: CategoryResidential,
	}
	if nearest != nil {
		pin.Description = fmt.Sprintf("Near %s, %s, Lagos", nearest.Name, nearest.Description)
	} else {
		pin.Description = fmt.Sprintf("Lat: %.4f, Lng: %.4f, Lagos", c.Lat, c.Lon)
	}
	return pin, true
}

// Categories lists the distinct categories in sorted order.
func (g *Gazetteer) Categories() []string {
	seen := make(map[Category]struct{})
	out := []string{}
	for _, p := range g.places {
		if _, ok := seen[p.Category]; ok {
			continue
		}
		seen[p.Category] = struct{}{}
		out = append(out, string(p.Category))
	}
	sort.Strings(out)
	return out
}
