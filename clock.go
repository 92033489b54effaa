package reverie

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TimeLayout is the wire format for virtual timestamps.
const TimeLayout = "2006-01-02 15:04:05"

// ClockActionType identifies one transformation in a clock's action chain.
type ClockActionType string

const (
	// ActionScale multiplies the elapsed real-time accumulator.
	ActionScale ClockActionType = "scale"
	// ActionOffset shifts the virtual time by a constant number of seconds.
	ActionOffset ClockActionType = "offset"
	// ActionFreeze zeroes the elapsed accumulator at its position.
	ActionFreeze ClockActionType = "freeze"
)

// ClockAction is one entry of a session clock's ordered action chain.
type ClockAction struct {
	Type  ClockActionType `json:"type"`
	Value float64         `json:"value,omitempty"`
	Note  string          `json:"note,omitempty"`
}

// ClockState is the persistable state of one session clock.
type ClockState struct {
	BaseVirtual time.Time     `json:"base_virtual"`
	BaseReal    time.Time     `json:"base_real"`
	Actions     []ClockAction `json:"actions"`
}

// ClockStore persists session clocks. Implemented by store/sqlite.
type ClockStore interface {
	// LoadClock returns the stored clock for a session, ok=false when the
	// session has no stored clock yet.
	LoadClock(ctx context.Context, sessionID string) (ClockState, bool, error)
	// SaveClock writes the clock back, updatedAt is the session's new
	// virtual updated_at.
	SaveClock(ctx context.Context, sessionID string, state ClockState, updatedAt time.Time) error
}

// ClockSnapshot is the externally visible view of one session clock,
// including the evaluated current times.
type ClockSnapshot struct {
	SessionID      string        `json:"session_id"`
	BaseVirtual    string        `json:"base_virtual"`
	BaseReal       string        `json:"base_real"`
	Actions        []ClockAction `json:"actions"`
	CurrentVirtual string        `json:"current_virtual_time"`
	CurrentReal    string        `json:"current_real_time"`
}

// Clock maintains per-session virtual timelines. Each session's virtual time
// is derived from a base pair (virtual, real) and an ordered action chain;
// an unmodified clock is the identity and tracks real time.
//
// All entries live in one map guarded by a single mutex; evaluation and
// mutation both run under it. Every mutation writes the new state through
// the ClockStore before returning.
type Clock struct {
	mu       sync.Mutex
	sessions map[string]*ClockState

	store  ClockStore
	logger *slog.Logger
	nowFn  func() time.Time
}

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithClockLogger sets the clock's logger.
func WithClockLogger(l *slog.Logger) ClockOption {
	return func(c *Clock) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClockNow overrides the real-time source. For tests.
func WithClockNow(fn func() time.Time) ClockOption {
	return func(c *Clock) {
		if fn != nil {
			c.nowFn = fn
		}
	}
}

// NewClock creates a Clock backed by store. A nil store keeps clocks
// in memory only.
func NewClock(store ClockStore, opts ...ClockOption) *Clock {
	c := &Clock{
		sessions: make(map[string]*ClockState),
		store:    store,
		logger:   nopLogger,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// evaluate applies the action chain left to right. acc starts as the real
// seconds elapsed since BaseReal and v as BaseVirtual; scale multiplies acc,
// offset shifts v, freeze zeroes acc. Result is v + acc.
func (s *ClockState) evaluate(realNow time.Time) time.Time {
	acc := realNow.Sub(s.BaseReal).Seconds()
	v := s.BaseVirtual
	for _, a := range s.Actions {
		switch a.Type {
		case ActionScale:
			acc *= a.Value
		case ActionOffset:
			v = v.Add(time.Duration(a.Value * float64(time.Second)))
		case ActionFreeze:
			acc = 0
		}
	}
	return v.Add(time.Duration(acc * float64(time.Second)))
}

// get returns the in-memory entry for a session, loading it from the store
// or creating an identity clock on first reference. Callers hold c.mu.
func (c *Clock) get(ctx context.Context, sessionID string) (*ClockState, error) {
	if s, ok := c.sessions[sessionID]; ok {
		return s, nil
	}
	if c.store != nil {
		state, ok, err := c.store.LoadClock(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load clock: %w", err)
		}
		if ok {
			c.sessions[sessionID] = &state
			return &state, nil
		}
	}
	now := c.nowFn()
	s := &ClockState{BaseVirtual: now, BaseReal: now}
	c.sessions[sessionID] = s
	if err := c.save(ctx, sessionID, s); err != nil {
		return nil, err
	}
	return s, nil
}

// save writes the clock state back through the store. Callers hold c.mu.
func (c *Clock) save(ctx context.Context, sessionID string, s *ClockState) error {
	if c.store == nil {
		return nil
	}
	updatedAt := s.evaluate(c.nowFn())
	if err := c.store.SaveClock(ctx, sessionID, *s, updatedAt); err != nil {
		return fmt.Errorf("save clock: %w", err)
	}
	return nil
}

// Now returns the session's current virtual time.
func (c *Clock) Now(ctx context.Context, sessionID string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.get(ctx, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	return s.evaluate(c.nowFn()), nil
}

// NowString returns the session's current virtual time formatted with layout,
// or TimeLayout when layout is empty.
func (c *Clock) NowString(ctx context.Context, sessionID, layout string) (string, error) {
	t, err := c.Now(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if layout == "" {
		layout = TimeLayout
	}
	return t.Format(layout), nil
}

// Seek jumps the session's virtual time to target: base becomes
// (target, real_now) and the action chain is cleared.
func (c *Clock) Seek(ctx context.Context, sessionID string, target time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.BaseVirtual = target
	s.BaseReal = c.nowFn()
	s.Actions = nil
	c.logger.Debug("clock seek", "session_id", sessionID, "target", target.Format(TimeLayout))
	return c.save(ctx, sessionID, s)
}

// Nudge shifts the session's virtual time by delta, appending an offset
// action.
func (c *Clock) Nudge(ctx context.Context, sessionID string, delta time.Duration, note string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.Actions = append(s.Actions, ClockAction{Type: ActionOffset, Value: delta.Seconds(), Note: note})
	c.logger.Debug("clock nudge", "session_id", sessionID, "delta_seconds", delta.Seconds())
	return c.save(ctx, sessionID, s)
}

// SetSpeed rebases the clock and appends a scale action so the session's
// virtual time advances at speed times real time from this instant. A speed
// of 0 pauses the clock.
func (c *Clock) SetSpeed(ctx context.Context, sessionID string, speed float64) error {
	if speed < 0 {
		return &ErrInvalid{Op: "clock.set_speed", Message: fmt.Sprintf("negative speed %v", speed)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.get(ctx, sessionID)
	if err != nil {
		return err
	}
	c.rebase(s)
	if speed != 1 {
		s.Actions = append(s.Actions, ClockAction{Type: ActionScale, Value: speed})
	}
	c.logger.Debug("clock speed", "session_id", sessionID, "speed", speed)
	return c.save(ctx, sessionID, s)
}

// Freeze pauses the session's virtual time, preserving the current value.
func (c *Clock) Freeze(ctx context.Context, sessionID, note string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.get(ctx, sessionID)
	if err != nil {
		return err
	}
	c.rebase(s)
	s.Actions = append(s.Actions, ClockAction{Type: ActionFreeze, Note: note})
	return c.save(ctx, sessionID, s)
}

// Unfreeze resumes the session's virtual time from its current value.
func (c *Clock) Unfreeze(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.get(ctx, sessionID)
	if err != nil {
		return err
	}
	c.rebase(s)
	return c.save(ctx, sessionID, s)
}

// AppendAction appends a raw action to the chain.
func (c *Clock) AppendAction(ctx context.Context, sessionID string, action ClockAction) error {
	switch action.Type {
	case ActionScale, ActionOffset, ActionFreeze:
	default:
		return &ErrInvalid{Op: "clock.append_action", Message: fmt.Sprintf("unknown action type %q", action.Type)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.Actions = append(s.Actions, action)
	return c.save(ctx, sessionID, s)
}

// ClearActions drops the action chain, rebasing first so the current
// virtual time is preserved.
func (c *Clock) ClearActions(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.get(ctx, sessionID)
	if err != nil {
		return err
	}
	c.rebase(s)
	return c.save(ctx, sessionID, s)
}

// rebase collapses the action chain into a new base pair while preserving
// the current virtual time. Callers hold c.mu.
func (c *Clock) rebase(s *ClockState) {
	realNow := c.nowFn()
	s.BaseVirtual = s.evaluate(realNow)
	s.BaseReal = realNow
	s.Actions = nil
}

// Load installs clock state read from storage, replacing any in-memory
// entry for the session.
func (c *Clock) Load(sessionID string, state ClockState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := state
	c.sessions[sessionID] = &s
}

// Forget drops the in-memory entry for a session so the next reference
// reloads it from the store. Used after archive swaps.
func (c *Clock) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Reset drops every in-memory entry.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]*ClockState)
}

// Snapshot returns the session clock's state plus its evaluated current
// virtual and real times.
func (c *Clock) Snapshot(ctx context.Context, sessionID string) (ClockSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.get(ctx, sessionID)
	if err != nil {
		return ClockSnapshot{}, err
	}
	realNow := c.nowFn()
	actions := append([]ClockAction(nil), s.Actions...)
	return ClockSnapshot{
		SessionID:      sessionID,
		BaseVirtual:    s.BaseVirtual.Format(TimeLayout),
		BaseReal:       s.BaseReal.Format(TimeLayout),
		Actions:        actions,
		CurrentVirtual: s.evaluate(realNow).Format(TimeLayout),
		CurrentReal:    realNow.Format(TimeLayout),
	}, nil
}
