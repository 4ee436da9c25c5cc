package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a finite point on the globe.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

type Driver struct {
	ID           string         `json:"id" db:"id"`
	Loc          Coord          `json:"loc" db:"-"`
	Approval     ApprovalStatus `json:"approval_status" db:"approval_status"`
	Online       bool           `json:"online" db:"online"`
	Blocked      bool           `json:"blocked" db:"blocked"`
	ActiveRideID string         `json:"active_ride_id,omitempty" db:"active_ride_id"`
	Updated      time.Time      `json:"updated" db:"updated_at"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// Assigned reports whether the driver currently holds a ride.
func (d Driver) Assigned() bool { return d.ActiveRideID != "" }

type Rider struct {
	ID        string    `json:"id" db:"id"`
	Blocked   bool      `json:"blocked" db:"blocked"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Tariff is the process-wide pricing configuration. Amounts are in minor-less
// whole currency units (naira by default).
type Tariff struct {
	BaseFare          int64   `json:"base_fare" yaml:"base_fare"`
	PricePerUnit      int64   `json:"price_per_unit" yaml:"price_per_unit"`
	CommissionPct     float64 `json:"commission_pct" yaml:"commission_pct"`
	AutoApprove       bool    `json:"auto_approve" yaml:"auto_approve"`
	RoundingIncrement int64   `json:"rounding_increment" yaml:"rounding_increment"`
	Currency          string  `json:"currency" yaml:"currency"`
}

func DefaultTariff() Tariff {
	return Tariff{
		BaseFare:          1500,
		PricePerUnit:      250,
		CommissionPct:     20,
		RoundingIncrement: 50,
		Currency:          "NGN",
	}
}

type RideRequest struct {
	RiderID     string     `json:"rider_id"`
	Pickup      Coord      `json:"pickup"`
	Destination Coord      `json:"destination"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Tariff      Tariff     `json:"tariff"`
}

// FareQuote is the frozen price of a ride together with its breakdown.
type FareQuote struct {
	Amount         int64   `json:"amount"`
	Base           int64   `json:"base"`
	DistanceCharge int64   `json:"distance_charge"`
	DistanceKm     float64 `json:"distance_km"`
	Commission     int64   `json:"commission"`
	DriverPayout   int64   `json:"driver_payout"`
	Currency       string  `json:"currency"`
}

type RideState string

const (
	StateRequested  RideState = "REQUESTED"
	StateSearching  RideState = "SEARCHING"
	StateAssigned   RideState = "ASSIGNED"
	StateArrived    RideState = "ARRIVED"
	StateInProgress RideState = "IN_PROGRESS"
	StateCompleted  RideState = "COMPLETED"
	StateCancelled  RideState = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s RideState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

type CancelReason string

const (
	ReasonNoDrivers    CancelReason = "NO_DRIVERS_AVAILABLE"
	ReasonTimeout      CancelReason = "TIMEOUT"
	ReasonRiderCancel  CancelReason = "RIDER_CANCELLED"
	ReasonDriverCancel CancelReason = "DRIVER_CANCELLED"
	ReasonSystemCancel CancelReason = "SYSTEM_CANCELLED"
)

type Initiator string

const (
	InitiatorRider  Initiator = "rider"
	InitiatorDriver Initiator = "driver"
	InitiatorSystem Initiator = "system"
)

type Ride struct {
	ID           string                  `json:"ride_id"`
	RiderID      string                  `json:"rider_id"`
	DriverID     string                  `json:"driver_id,omitempty"`
	Pickup       Coord                   `json:"pickup"`
	Destination  Coord                   `json:"destination"`
	Fare         FareQuote               `json:"fare"`
	Tariff       Tariff                  `json:"-"`
	State        RideState               `json:"state"`
	CancelReason CancelReason            `json:"cancel_reason,omitempty"`
	CancelledBy  Initiator               `json:"cancelled_by,omitempty"`
	Timestamps   map[RideState]time.Time `json:"timestamps"`
	DistanceKm   float64                 `json:"distance_km"`
	EtaMinutes   int                     `json:"eta_minutes,omitempty"`
	ScheduledAt  *time.Time              `json:"scheduled_at,omitempty"`
	PaymentRef   string                  `json:"-"`
	Version      int                     `json:"version"`
	CreatedAt    time.Time               `json:"created_at"`
}

// Clone returns a deep copy so callers can stage a transition without
// touching the stored record.
func (r *Ride) Clone() *Ride {
	cp := *r
	cp.Timestamps = make(map[RideState]time.Time, len(r.Timestamps))
	for k, v := range r.Timestamps {
		cp.Timestamps[k] = v
	}
	if r.ScheduledAt != nil {
		t := *r.ScheduledAt
		cp.ScheduledAt = &t
	}
	return &cp
}

// MatchOffer is what a driver receives when a ride is assigned to them.
type MatchOffer struct {
	RideID      string  `json:"ride_id"`
	DriverID    string  `json:"driver_id"`
	Pickup      Coord   `json:"pickup"`
	Destination Coord   `json:"destination"`
	ETA         int     `json:"eta_minutes"`
	Fare        int64   `json:"fare"`
	Currency    string  `json:"currency"`
	DistanceKm  float64 `json:"distance_km"`
}
