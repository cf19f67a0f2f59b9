package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/keyed"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

// Repository persists conversation states so dialogues survive restarts.
// Load returns (nil, nil) when nothing is stored.
type Repository interface {
	Load(ctx context.Context, key Key) (*ConversationState, error)
	Save(ctx context.Context, st ConversationState) error
	Delete(ctx context.Context, key Key) error
}

// Config holds machine parameters.
type Config struct {
	StateTimeout time.Duration `json:"state_timeout"`
	StackCap     int           `json:"stack_cap"`
}

// DefaultConfig returns a 30 minute idle window and a 10 entry stack.
func DefaultConfig() Config {
	return Config{
		StateTimeout: 30 * time.Minute,
		StackCap:     10,
	}
}

// Machine holds the conversation state of every chat. Calls for the same chat
// are serialized; calls for different chats run independently.
type Machine struct {
	cfg    Config
	states *keyed.Map[Key, *ConversationState]
	repo   Repository
	now    func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithRepository enables persistence.
func WithRepository(repo Repository) Option {
	return func(m *Machine) { m.repo = repo }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a Machine.
func NewMachine(cfg Config, opts ...Option) *Machine {
	def := DefaultConfig()
	if cfg.StateTimeout <= 0 {
		cfg.StateTimeout = def.StateTimeout
	}
	if cfg.StackCap < 1 {
		cfg.StackCap = def.StackCap
	}
	m := &Machine{
		cfg:    cfg,
		states: keyed.New[Key, *ConversationState](),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) expired(st *ConversationState, now time.Time) bool {
	return now.Sub(st.LastActivity) > m.cfg.StateTimeout
}

// with runs fn on the live state for key, creating it lazily and applying the
// idle guard first. fn returns whether the state changed and must be saved.
func (m *Machine) with(ctx context.Context, key Key, fn func(st *ConversationState, fresh bool) (bool, error)) error {
	var outErr error
	m.states.Do(key, func(st *ConversationState, ok bool) (*ConversationState, bool) {
		now := m.now()
		if !ok && m.repo != nil {
			loaded, err := m.repo.Load(ctx, key)
			if err != nil {
				slog.Warn("ConversationMachine repository load failed", "tenant", key.TenantID, "chat", key.ChatID, "error", err)
			} else if loaded != nil && loaded.CurrentState.IsValid() {
				st, ok = loaded, true
				if st.Scratch == nil {
					st.Scratch = map[string]string{}
				}
				if len(st.Stack) == 0 {
					st.Stack = []Entry{{State: st.CurrentState}}
				}
			}
		}

		fresh := false
		if ok && m.expired(st, now) {
			slog.Debug("ConversationMachine state expired, resetting", "tenant", key.TenantID, "chat", key.ChatID, "lastActivity", st.LastActivity)
			ok = false
		}
		if !ok {
			st = newState(key, now)
			fresh = true
		}

		changed, err := fn(st, fresh)
		outErr = err
		if (changed || fresh) && m.repo != nil {
			if err := m.repo.Save(ctx, st.Clone()); err != nil {
				slog.Warn("ConversationMachine repository save failed", "tenant", key.TenantID, "chat", key.ChatID, "error", err)
			}
		}
		return st, true
	})
	return outErr
}

func (m *Machine) push(st *ConversationState, entry Entry) {
	st.Stack = append(st.Stack, entry)
	if over := len(st.Stack) - m.cfg.StackCap; over > 0 {
		st.Stack = append([]Entry(nil), st.Stack[over:]...)
	}
}

func enter(st *ConversationState, next State, data map[string]string) {
	for _, k := range clearOnEnter[next] {
		delete(st.Scratch, k)
	}
	for k, v := range data {
		st.Scratch[k] = v
	}
	st.PreviousState = st.CurrentState
	st.CurrentState = next
}

func (m *Machine) resetInPlace(st *ConversationState, now time.Time) {
	fresh := newState(st.Key, now)
	fresh.PreviousState = st.CurrentState
	fresh.MessageCount = st.MessageCount
	*st = *fresh
}

// Begin marks the arrival of an inbound message: it applies the idle guard,
// creates the state lazily and bumps the message counter. fresh is true when
// the chat starts from INITIAL because it was new or expired.
func (m *Machine) Begin(ctx context.Context, key Key) (snapshot ConversationState, fresh bool) {
	_ = m.with(ctx, key, func(st *ConversationState, isFresh bool) (bool, error) {
		st.MessageCount++
		st.LastActivity = m.now()
		snapshot = st.Clone()
		fresh = isFresh
		return true, nil
	})
	return snapshot, fresh
}

// Dispatch applies event to the chat's state, stores data in scratch and
// returns the new state. An event with no transition from the current state
// returns the current state and models.ErrInvalidTransition.
func (m *Machine) Dispatch(ctx context.Context, key Key, event Event, data map[string]string) (State, error) {
	var result State
	err := m.with(ctx, key, func(st *ConversationState, _ bool) (bool, error) {
		result = st.CurrentState
		next, ok := Next(st.CurrentState, event)
		if !ok {
			return false, models.Wrap(
				fmt.Errorf("no transition from %s on %s", st.CurrentState, event),
				models.CodeInvalidTransition, "transition not allowed")
		}

		now := m.now()
		st.LastActivity = now
		st.LastAction = string(event)
		if next == StateInitial {
			m.resetInPlace(st, now)
			st.LastAction = string(event)
			result = st.CurrentState
			return true, nil
		}

		enter(st, next, data)
		if next != StateError {
			m.push(st, Entry{State: next, Data: cloneData(data)})
		}
		result = next
		return true, nil
	})
	if err == nil {
		slog.Debug("ConversationMachine Dispatch succeeded", "tenant", key.TenantID, "chat", key.ChatID, "event", event, "state", result)
	}
	return result, err
}

// GoBack pops up to steps entries from the navigation stack, never removing
// the last one, and restores the data recorded with the resulting entry.
func (m *Machine) GoBack(ctx context.Context, key Key, steps int) State {
	if steps < 1 {
		steps = 1
	}
	var result State
	_ = m.with(ctx, key, func(st *ConversationState, _ bool) (bool, error) {
		// An error-state chat has no frame of its own; the top frame is the
		// state it failed from, so stepping back starts from there.
		if st.CurrentState == StateError && len(st.Stack) > 0 && st.Stack[len(st.Stack)-1].State != StateError {
			steps--
		}
		pop := steps
		if limit := len(st.Stack) - 1; pop > limit {
			pop = limit
		}
		st.Stack = st.Stack[:len(st.Stack)-pop]
		top := st.Stack[len(st.Stack)-1]

		enter(st, top.State, top.Data)
		st.LastActivity = m.now()
		st.LastAction = "go_back"
		result = top.State
		return true, nil
	})
	slog.Debug("ConversationMachine GoBack succeeded", "tenant", key.TenantID, "chat", key.ChatID, "steps", steps, "state", result)
	return result
}

// Update merges data into scratch without a transition.
func (m *Machine) Update(ctx context.Context, key Key, data map[string]string) {
	_ = m.with(ctx, key, func(st *ConversationState, _ bool) (bool, error) {
		for k, v := range data {
			st.Scratch[k] = v
		}
		return len(data) > 0, nil
	})
}

// IncrementErrorCount bumps the consecutive error counter and returns it.
func (m *Machine) IncrementErrorCount(ctx context.Context, key Key) int {
	var n int
	_ = m.with(ctx, key, func(st *ConversationState, _ bool) (bool, error) {
		st.ErrorCount++
		n = st.ErrorCount
		return true, nil
	})
	return n
}

// ResetErrorCount clears the consecutive error counter.
func (m *Machine) ResetErrorCount(ctx context.Context, key Key) {
	_ = m.with(ctx, key, func(st *ConversationState, _ bool) (bool, error) {
		if st.ErrorCount == 0 {
			return false, nil
		}
		st.ErrorCount = 0
		return true, nil
	})
}

// Reset returns the chat to INITIAL, discarding scratch and history.
func (m *Machine) Reset(ctx context.Context, key Key) {
	_ = m.with(ctx, key, func(st *ConversationState, _ bool) (bool, error) {
		m.resetInPlace(st, m.now())
		st.LastAction = "reset"
		return true, nil
	})
	slog.Debug("ConversationMachine Reset succeeded", "tenant", key.TenantID, "chat", key.ChatID)
}

// ForceState moves the chat to s regardless of the transition table.
func (m *Machine) ForceState(ctx context.Context, key Key, s State) error {
	if !s.IsValid() {
		return models.Wrap(fmt.Errorf("unknown state %q", s), models.CodeInvalidInput, "invalid state")
	}
	err := m.with(ctx, key, func(st *ConversationState, _ bool) (bool, error) {
		now := m.now()
		if s == StateInitial {
			m.resetInPlace(st, now)
		} else {
			enter(st, s, nil)
			if s != StateError {
				m.push(st, Entry{State: s})
			}
		}
		st.LastActivity = now
		st.LastAction = "force"
		return true, nil
	})
	slog.Info("ConversationMachine ForceState succeeded", "tenant", key.TenantID, "chat", key.ChatID, "state", s)
	return err
}

// Get returns a snapshot of the chat's in-memory state. Expired entries are
// reported as absent.
func (m *Machine) Get(key Key) (ConversationState, bool) {
	var (
		out   ConversationState
		found bool
	)
	now := m.now()
	m.states.Do(key, func(cur *ConversationState, ok bool) (*ConversationState, bool) {
		if ok && !m.expired(cur, now) {
			out = cur.Clone()
			found = true
		}
		return cur, ok
	})
	return out, found
}

// Remove deletes the chat's state from memory and the repository.
func (m *Machine) Remove(ctx context.Context, key Key) {
	m.states.Do(key, func(cur *ConversationState, _ bool) (*ConversationState, bool) {
		if m.repo != nil {
			if err := m.repo.Delete(ctx, key); err != nil {
				slog.Warn("ConversationMachine repository delete failed", "tenant", key.TenantID, "chat", key.ChatID, "error", err)
			}
		}
		return cur, false
	})
}

// Cleanup drops expired states from memory and the repository.
func (m *Machine) Cleanup(ctx context.Context) int {
	now := m.now()
	removed := m.states.Sweep(func(key Key, st *ConversationState) bool {
		if !m.expired(st, now) {
			return false
		}
		if m.repo != nil {
			if err := m.repo.Delete(ctx, key); err != nil {
				slog.Warn("ConversationMachine repository delete failed", "tenant", key.TenantID, "chat", key.ChatID, "error", err)
			}
		}
		return true
	})
	if removed > 0 {
		slog.Debug("ConversationMachine Cleanup succeeded", "removed", removed)
	}
	return removed
}

// Len returns the number of chats held in memory.
func (m *Machine) Len() int {
	return m.states.Len()
}
