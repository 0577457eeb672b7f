// Package alarm holds the alarm registry and the condition evaluator. The
// registry is the single source of truth for alarm state and is shared
// between the evaluation cycle and the management flow, so every
// read-modify-write goes through a per-alarm-id lock.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-alarm-engine/internal/model"
)

var (
	// ErrNotFound indicates the alarm id is unknown.
	ErrNotFound = errors.New("alarm: not found")
	// ErrOwnerLimit indicates the owner reached the per-owner alarm cap.
	ErrOwnerLimit = errors.New("alarm: owner limit reached")
)

// Repository persists alarm state. A mutation is not considered applied
// until persisted, so Save failures abort the in-memory update too.
type Repository interface {
	SaveAlarm(ctx context.Context, a model.Alarm) error
	DeleteAlarm(ctx context.Context, id uuid.UUID) error
}

// StoreOptions tune the registry.
type StoreOptions struct {
	DefaultCooldown time.Duration
	MaxPerOwner     int
}

// Store is the in-memory alarm registry with optional persistence.
type Store struct {
	opts   StoreOptions
	repo   Repository
	logger zerolog.Logger

	mux    sync.RWMutex
	alarms map[uuid.UUID]*model.Alarm

	lockMux sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewStore constructs an alarm registry. repo may be nil when persistence
// is disabled.
func NewStore(opts StoreOptions, repo Repository, logger zerolog.Logger) *Store {
	if opts.MaxPerOwner <= 0 {
		opts.MaxPerOwner = 25
	}
	return &Store{
		opts:   opts,
		repo:   repo,
		logger: logger.With().Str("component", "alarm_store").Logger(),
		alarms: make(map[uuid.UUID]*model.Alarm),
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// Restore seeds the registry from persisted state at startup.
func (s *Store) Restore(alarms []model.Alarm) {
	s.mux.Lock()
	defer s.mux.Unlock()
	for i := range alarms {
		a := alarms[i]
		s.alarms[a.ID] = &a
	}
}

// Create validates and registers a new alarm, persisting it first.
func (s *Store) Create(ctx context.Context, a model.Alarm) (model.Alarm, error) {
	if a.Owner == "" {
		return model.Alarm{}, errors.New("alarm: owner required")
	}
	if a.Instrument == "" {
		return model.Alarm{}, errors.New("alarm: instrument required")
	}
	if err := a.Condition.Validate(); err != nil {
		return model.Alarm{}, fmt.Errorf("alarm: %w", err)
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.State == "" {
		a.State = model.StateActive
	}
	if a.Cooldown <= 0 {
		a.Cooldown = s.opts.DefaultCooldown
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	s.mux.RLock()
	owned := 0
	for _, existing := range s.alarms {
		if existing.Owner == a.Owner {
			owned++
		}
	}
	s.mux.RUnlock()
	if owned >= s.opts.MaxPerOwner {
		return model.Alarm{}, ErrOwnerLimit
	}

	if s.repo != nil {
		if err := s.repo.SaveAlarm(ctx, a); err != nil {
			return model.Alarm{}, fmt.Errorf("persist alarm: %w", err)
		}
	}

	s.mux.Lock()
	stored := a
	s.alarms[a.ID] = &stored
	s.mux.Unlock()

	s.logger.Info().
		Str("alarm_id", a.ID.String()).
		Str("owner", a.Owner).
		Str("instrument", a.Instrument.String()).
		Str("kind", string(a.Condition.Kind)).
		Msg("alarm created")

	return a, nil
}

// Get returns a copy of the alarm.
func (s *Store) Get(id uuid.UUID) (model.Alarm, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	a, ok := s.alarms[id]
	if !ok {
		return model.Alarm{}, ErrNotFound
	}
	return *a, nil
}

// List returns copies of the owner's alarms, or all alarms when owner is
// empty, ordered by creation time.
func (s *Store) List(owner string) []model.Alarm {
	s.mux.RLock()
	out := make([]model.Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		if owner == "" || a.Owner == owner {
			out = append(out, *a)
		}
	}
	s.mux.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Evaluable returns copies of the alarms the cycle should consider.
func (s *Store) Evaluable(now time.Time) []model.Alarm {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]model.Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		if a.Evaluable(now) {
			out = append(out, *a)
		}
	}
	return out
}

// Instruments returns the distinct instruments referenced by evaluable
// alarms.
func (s *Store) Instruments(now time.Time) []model.Instrument {
	s.mux.RLock()
	defer s.mux.RUnlock()
	seen := make(map[model.Instrument]struct{})
	out := make([]model.Instrument, 0)
	for _, a := range s.alarms {
		if !a.Evaluable(now) {
			continue
		}
		if _, ok := seen[a.Instrument]; ok {
			continue
		}
		seen[a.Instrument] = struct{}{}
		out = append(out, a.Instrument)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Update applies mutate under the alarm's lock. The mutation is persisted
// before it becomes visible; a persistence failure leaves the in-memory
// alarm untouched.
func (s *Store) Update(ctx context.Context, id uuid.UUID, mutate func(*model.Alarm) error) (model.Alarm, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mux.RLock()
	current, ok := s.alarms[id]
	s.mux.RUnlock()
	if !ok {
		return model.Alarm{}, ErrNotFound
	}

	updated := *current
	if err := mutate(&updated); err != nil {
		return model.Alarm{}, err
	}

	if s.repo != nil {
		if err := s.repo.SaveAlarm(ctx, updated); err != nil {
			return model.Alarm{}, fmt.Errorf("persist alarm: %w", err)
		}
	}

	s.mux.Lock()
	s.alarms[id] = &updated
	s.mux.Unlock()

	return updated, nil
}

// Pause stops evaluation of the alarm until resumed.
func (s *Store) Pause(ctx context.Context, id uuid.UUID) error {
	_, err := s.Update(ctx, id, func(a *model.Alarm) error {
		a.State = model.StatePaused
		return nil
	})
	return err
}

// Resume reactivates a paused or fired alarm.
func (s *Store) Resume(ctx context.Context, id uuid.UUID) error {
	_, err := s.Update(ctx, id, func(a *model.Alarm) error {
		a.State = model.StateActive
		return nil
	})
	return err
}

// Delete removes the alarm, persistence first.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mux.RLock()
	_, ok := s.alarms[id]
	s.mux.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if s.repo != nil {
		if err := s.repo.DeleteAlarm(ctx, id); err != nil {
			return fmt.Errorf("delete alarm: %w", err)
		}
	}

	s.mux.Lock()
	delete(s.alarms, id)
	s.mux.Unlock()

	return nil
}

func (s *Store) lockFor(id uuid.UUID) *sync.Mutex {
	s.lockMux.Lock()
	defer s.lockMux.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}
