package sessions

import (
	"context"
	"errors"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Repository keeps redundant copies of the session in an ordered list of slots.
//
// Write policy: every slot is written in order, primary first. A write succeeds if
// at least one slot accepted it; the others are repaired by the consistency checker.
//
// Read policy: the first slot that holds a valid snapshot wins. Empty, unreadable
// and malformed slots are skipped.
type Repository struct {
	slots []Slot
	log   zerolog.Logger
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

func WithLogger(logger zerolog.Logger) RepositoryOption {
	return func(r *Repository) {
		r.log = logger
	}
}

// SlotState is what a single slot held when inspected.
type SlotState struct {
	Name     string
	Snapshot Snapshot
	Present  bool  // a valid snapshot was read
	Err      error // nil, ErrSlotEmpty, or the read/parse failure
}

// NewRepository creates a Repository over slots, the first being the primary.
func NewRepository(slots []Slot, options ...RepositoryOption) (*Repository, error) {
	if len(slots) == 0 {
		return nil, apperrors.ErrNoSlots
	}
	for _, s := range slots {
		if s == nil {
			return nil, errors.New("[NewRepository] nil slot")
		}
	}

	r := &Repository{
		slots: slots,
		log:   log.With().Str("component", "sessions").Logger(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

func (r *Repository) SlotNames() []string {
	names := make([]string, 0, len(r.slots))
	for _, s := range r.slots {
		names = append(names, s.Name())
	}
	return names
}

// Load returns the best available snapshot and the name of the slot it came from.
// Returns ErrNoSession when no slot holds a valid snapshot.
func (r *Repository) Load(ctx context.Context) (Snapshot, string, error) {
	for _, slot := range r.slots {
		state := r.inspect(ctx, slot)
		if state.Present {
			return state.Snapshot, state.Name, nil
		}
	}
	return Snapshot{}, "", apperrors.ErrNoSession
}

// Inspect reads every slot without short-circuiting.
func (r *Repository) Inspect(ctx context.Context) []SlotState {
	states := make([]SlotState, 0, len(r.slots))
	for _, slot := range r.slots {
		states = append(states, r.inspect(ctx, slot))
	}
	return states
}

func (r *Repository) inspect(ctx context.Context, slot Slot) SlotState {
	state := SlotState{Name: slot.Name()}

	data, err := slot.Read(ctx)
	if err != nil {
		state.Err = err
		if !errors.Is(err, apperrors.ErrSlotEmpty) {
			r.log.Warn().Err(err).Str("slot", slot.Name()).Msg("Failed to read session slot")
		}
		return state
	}

	snapshot, err := Decode(data)
	if err != nil {
		state.Err = err
		r.log.Warn().Err(err).Str("slot", slot.Name()).Msg("Discarding malformed session snapshot")
		return state
	}

	state.Snapshot = snapshot
	state.Present = true
	return state
}

// Save writes the snapshot to every slot, primary first.
func (r *Repository) Save(ctx context.Context, snapshot Snapshot) error {
	data, err := Encode(snapshot)
	if err != nil {
		return apperrors.Wrapf(err, "[Repository Save] encode")
	}

	var errs []error
	for _, slot := range r.slots {
		if err := slot.Write(ctx, data); err != nil {
			r.log.Warn().Err(err).Str("slot", slot.Name()).Msg("Failed to write session slot")
			errs = append(errs, apperrors.Wrapf(err, "slot %s", slot.Name()))
		}
	}
	if len(errs) == len(r.slots) {
		return errors.Join(errs...)
	}
	return nil
}

// Clear removes the session from every slot. All slots are attempted.
func (r *Repository) Clear(ctx context.Context) error {
	var errs []error
	for _, slot := range r.slots {
		if err := slot.Remove(ctx); err != nil {
			r.log.Warn().Err(err).Str("slot", slot.Name()).Msg("Failed to clear session slot")
			errs = append(errs, apperrors.Wrapf(err, "slot %s", slot.Name()))
		}
	}
	return errors.Join(errs...)
}

// Repair rewrites every slot that does not already hold snapshot and returns the
// names of the slots it rewrote.
func (r *Repository) Repair(ctx context.Context, snapshot Snapshot) ([]string, error) {
	data, err := Encode(snapshot)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Repository Repair] encode")
	}

	var repaired []string
	var errs []error
	for _, slot := range r.slots {
		state := r.inspect(ctx, slot)
		if state.Present && state.Snapshot.SameSession(snapshot) {
			continue
		}
		if err := slot.Write(ctx, data); err != nil {
			errs = append(errs, apperrors.Wrapf(err, "slot %s", slot.Name()))
			continue
		}
		repaired = append(repaired, slot.Name())
	}
	return repaired, errors.Join(errs...)
}
