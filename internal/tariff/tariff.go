// Package tariff keeps the pricing configuration shared by every dispatch
// node. Reads are served from a cache that is replaced on administrative
// updates, invalidated when another node announces one, and expires after a
// TTL.
package tariff

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Patch is a partial tariff update; nil fields keep their current value.
type Patch struct {
	BaseFare          *int64   `json:"base_fare,omitempty" yaml:"base_fare"`
	PricePerUnit      *int64   `json:"price_per_unit,omitempty" yaml:"price_per_unit"`
	CommissionPct     *float64 `json:"commission_pct,omitempty" yaml:"commission_pct"`
	AutoApprove       *bool    `json:"auto_approve,omitempty" yaml:"auto_approve"`
	RoundingIncrement *int64   `json:"rounding_increment,omitempty" yaml:"rounding_increment"`
	Currency          *string  `json:"currency,omitempty" yaml:"currency"`
}

// Apply returns t with the non-nil fields of p applied.
func (p Patch) Apply(t models.Tariff) models.Tariff {
	if p.BaseFare != nil {
		t.BaseFare = *p.BaseFare
	}
	if p.PricePerUnit != nil {
		t.PricePerUnit = *p.PricePerUnit
	}
	if p.CommissionPct != nil {
		t.CommissionPct = *p.CommissionPct
	}
	if p.AutoApprove != nil {
		t.AutoApprove = *p.AutoApprove
	}
	if p.RoundingIncrement != nil {
		t.RoundingIncrement = *p.RoundingIncrement
	}
	if p.Currency != nil {
		t.Currency = strings.ToUpper(strings.TrimSpace(*p.Currency))
	}
	return t
}

func Validate(t models.Tariff) error {
	switch {
	case t.BaseFare < 0:
		return apperr.Validation(apperr.CodeInvalidTariff, "base_fare must be >= 0")
	case t.PricePerUnit < 0:
		return apperr.Validation(apperr.CodeInvalidTariff, "price_per_unit must be >= 0")
	case t.CommissionPct < 0 || t.CommissionPct > 100:
		return apperr.Validation(apperr.CodeInvalidTariff, "commission_pct must be within [0,100]")
	case t.RoundingIncrement < 0:
		return apperr.Validation(apperr.CodeInvalidTariff, "rounding_increment must be >= 0")
	case len(t.Currency) != 3:
		return apperr.Validation(apperr.CodeInvalidTariff, "currency must be an ISO 4217 code")
	}
	return nil
}

// LoadFile reads a YAML tariff seed. Missing keys fall back to
// models.DefaultTariff.
func LoadFile(path string) (models.Tariff, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.Tariff{}, err
	}
	var p Patch
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return models.Tariff{}, fmt.Errorf("parse %s: %w", path, err)
	}
	t := p.Apply(models.DefaultTariff())
	if err := Validate(t); err != nil {
		return models.Tariff{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Broadcaster tells the other nodes sharing the repository that the tariff
// changed.
type Broadcaster interface {
	Broadcast(ctx context.Context) error
}

type Option func(*Store)

// WithTTL bounds how long a cached tariff is served before the repository is
// read again. Zero caches until invalidated.
func WithTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

func WithBroadcaster(b Broadcaster) Option { return func(s *Store) { s.bus = b } }

// WithLocker serialises updates across nodes.
func WithLocker(l lock.Locker) Option { return func(s *Store) { s.locks = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

type Store struct {
	repo   storage.TariffRepository
	seed   models.Tariff
	ttl    time.Duration
	bus    Broadcaster
	locks  lock.Locker
	now    func() time.Time
	logger *slog.Logger

	// updates serialises Update within the process
	updates sync.Mutex

	mu       sync.RWMutex
	cached   *models.Tariff
	loadedAt time.Time
}

// NewStore serves seed until an administrator saves a tariff.
func NewStore(repo storage.TariffRepository, seed models.Tariff, opts ...Option) *Store {
	s := &Store{repo: repo, seed: seed, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Current(ctx context.Context) (models.Tariff, error) {
	s.mu.RLock()
	if s.cached != nil && (s.ttl <= 0 || s.now().Sub(s.loadedAt) < s.ttl) {
		t := *s.cached
		s.mu.RUnlock()
		return t, nil
	}
	s.mu.RUnlock()

	t, err := s.load(ctx)
	if err != nil {
		return models.Tariff{}, err
	}
	s.remember(t)
	return t, nil
}

func (s *Store) load(ctx context.Context) (models.Tariff, error) {
	t, ok, err := s.repo.LoadTariff(ctx)
	if err != nil {
		return models.Tariff{}, err
	}
	if !ok {
		return s.seed, nil
	}
	return t, nil
}

func (s *Store) remember(t models.Tariff) {
	s.mu.Lock()
	s.cached = &t
	s.loadedAt = s.now()
	s.mu.Unlock()
}

// Update applies p to the stored tariff, persists it, refreshes the cache
// and notifies other nodes. An invalid result is rejected without touching
// either. The patch is applied to the repository's copy, never the cache,
// so a stale node cannot undo another node's update.
func (s *Store) Update(ctx context.Context, p Patch) (models.Tariff, error) {
	s.updates.Lock()
	defer s.updates.Unlock()
	if s.locks != nil {
		unlock, err := s.locks.Lock(ctx, lock.TariffKey)
		if err != nil {
			return models.Tariff{}, err
		}
		defer unlock()
	}

	cur, err := s.load(ctx)
	if err != nil {
		return models.Tariff{}, err
	}
	next := p.Apply(cur)
	if err := Validate(next); err != nil {
		return models.Tariff{}, err
	}
	if err := s.repo.SaveTariff(ctx, next); err != nil {
		return models.Tariff{}, err
	}
	s.remember(next)
	if s.bus != nil {
		// other nodes fall back to the TTL
		if err := s.bus.Broadcast(ctx); err != nil {
			s.logger.Warn("tariff change not broadcast", "error", err)
		}
	}
	return next, nil
}

// Invalidate drops the cache so the next read goes to the repository.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
