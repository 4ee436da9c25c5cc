package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/service"
	"github.com/example/ride-dispatch/internal/tariff"
)

type rideResponse struct {
	RideID        string                         `json:"ride_id"`
	RiderID       string                         `json:"rider_id"`
	State         models.RideState               `json:"state"`
	DriverID      string                         `json:"driver_id,omitempty"`
	EstimatedFare int64                          `json:"estimated_fare"`
	Currency      string                         `json:"currency"`
	Fare          models.FareQuote               `json:"fare"`
	DistanceKm    float64                        `json:"distance_km"`
	EtaMinutes    int                            `json:"eta_minutes"`
	Pickup        models.Coord                   `json:"pickup"`
	Destination   models.Coord                   `json:"destination"`
	CancelReason  models.CancelReason            `json:"cancel_reason,omitempty"`
	CancelledBy   models.Initiator               `json:"cancelled_by,omitempty"`
	ScheduledAt   *time.Time                     `json:"scheduled_at,omitempty"`
	Timestamps    map[models.RideState]time.Time `json:"timestamps"`
	Version       int                            `json:"version"`
}

func toRideResponse(r *models.Ride) rideResponse {
	return rideResponse{
		RideID:        r.ID,
		RiderID:       r.RiderID,
		State:         r.State,
		DriverID:      r.DriverID,
		EstimatedFare: r.Fare.Amount,
		Currency:      r.Fare.Currency,
		Fare:          r.Fare,
		DistanceKm:    r.DistanceKm,
		EtaMinutes:    r.EtaMinutes,
		Pickup:        r.Pickup,
		Destination:   r.Destination,
		CancelReason:  r.CancelReason,
		CancelledBy:   r.CancelledBy,
		ScheduledAt:   r.ScheduledAt,
		Timestamps:    r.Timestamps,
		Version:       r.Version,
	}
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var in service.RideInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.svc.RequestRide(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRideResponse(ride))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.Ride(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideResponse(ride))
}

func (s *Server) rideAction(op func(context.Context, string) (*models.Ride, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ride, err := op(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toRideResponse(ride))
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Initiator models.Initiator `json:"initiator"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.svc.Cancel(r.Context(), mux.Vars(r)["id"], body.Initiator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideResponse(ride))
}

type registration struct {
	ID string `json:"id"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var body registration
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.RegisterDriver(r.Context(), body.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Driver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	var loc *models.Coord
	if body.Lat != nil && body.Lon != nil {
		loc = &models.Coord{Lat: *body.Lat, Lon: *body.Lon}
	}
	if err := s.svc.UpdatePosition(r.Context(), mux.Vars(r)["id"], loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.LocationUpdates.WithLabelValues("api").Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Online == nil {
		s.writeError(w, r, apperr.Validation(apperr.CodeMalformedRequest, "online is required"))
		return
	}
	d, err := s.svc.SetAvailability(r.Context(), mux.Vars(r)["id"], *body.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRegisterRider(w http.ResponseWriter, r *http.Request) {
	var body registration
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rider, err := s.svc.RegisterRider(r.Context(), body.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rider)
}

func (s *Server) handleGetTariff(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Tariff(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePutTariff(w http.ResponseWriter, r *http.Request) {
	var p tariff.Patch
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.svc.UpdateTariff(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAdminDriver(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ops := map[string]func(context.Context, string) (*models.Driver, error){
		"approve": s.svc.ApproveDriver,
		"reject":  s.svc.RejectDriver,
		"block":   s.svc.BlockDriver,
		"unblock": s.svc.UnblockDriver,
	}
	d, err := ops[vars["action"]](r.Context(), vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAdminRider(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	op := s.svc.BlockRider
	if vars["action"] == "unblock" {
		op = s.svc.UnblockRider
	}
	rider, err := op(r.Context(), vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rider)
}

func (s *Server) handlePlaceSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.places.Search(r.URL.Query().Get("q")))
}

func (s *Server) handlePlaceReverse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	c := models.Coord{Lat: lat, Lon: lon}
	if err1 != nil || err2 != nil || !c.Valid() {
		s.writeError(w, r, apperr.Validation(apperr.CodeInvalidCoordinates, "lat and lon query parameters are required"))
		return
	}
	p, ok := s.places.Reverse(c)
	if !ok {
		s.writeError(w, r, apperr.Validation(apperr.CodeOutsideServiceArea, "location is outside the service area"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePlaceCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.places.Categories())
}

// handleDriverLocation is the device firehose endpoint. Reports go straight
// to the index and, when configured, are republished for other consumers.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u ingest.LocationUpdate
	if err := decode(r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := u.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc := u.Coord()
	if err := s.svc.UpdatePosition(r.Context(), u.DriverID, &loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.LocationUpdates.WithLabelValues("http").Inc()
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(r.Context(), u); err != nil {
			s.logger.Warn("location republish failed", "driver_id", u.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
