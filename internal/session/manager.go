package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrTurnNotFound       = errors.New("turn not found")
	ErrStaleTransition    = errors.New("stale turn transition")
	ErrTurnBusy           = errors.New("turn already in progress")
	ErrDuplicateRecording = errors.New("recording already consumed")
)

// Manager is the turn state store. The index map has its own lock; each
// session is mutated only under its entry lock. Consumed recording
// references are tracked across all sessions under refsMu, which is only
// ever taken last.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	turnTimeout       time.Duration
	endedRetention    time.Duration
	refRetention      time.Duration
	maxTurns          int
	now               func() time.Time
	onExpire          func(*Session)
	onTurnTimeout     func(*Session, Turn)

	refsMu sync.Mutex
	refs   map[string]consumedRef
}

// consumedRef remembers which session took a recording reference. It
// outlives the session so a replay after eviction is still a duplicate.
type consumedRef struct {
	sessionID string
	at        time.Time
}

type entry struct {
	mu      sync.Mutex
	s       *Session
	subs    map[int]chan Update
	nextSub int
	evicted bool
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		turnTimeout:       2 * time.Minute,
		endedRetention:    15 * time.Minute,
		refRetention:      24 * time.Hour,
		maxTurns:          64,
		now:               func() time.Time { return time.Now().UTC() },
		refs:              make(map[string]consumedRef),
	}
}

func (m *Manager) SetEndedRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedRetention = d
}

// SetRecordingRetention bounds how long a consumed recording reference is
// remembered. It is never shorter than the ended-session retention.
func (m *Manager) SetRecordingRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refRetention = d
}

// SetTurnTimeout bounds how long a turn may sit in one in-flight state.
func (m *Manager) SetTurnTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnTimeout = d
}

func (m *Manager) SetMaxTurns(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxTurns = n
}

func (m *Manager) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) SetTurnTimeoutHook(hook func(*Session, Turn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTurnTimeout = hook
}

func (m *Manager) clock() time.Time {
	m.mu.RLock()
	now := m.now
	m.mu.RUnlock()
	return now()
}

func (m *Manager) lookup(sessionID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// withEntry runs fn under the session lock. Entries evicted between lookup
// and lock acquisition report ErrNotFound.
func (m *Manager) withEntry(sessionID string, fn func(e *entry, now time.Time) error) error {
	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	now := m.clock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return ErrNotFound
	}
	return fn(e, now)
}

// GetOrCreate returns the session for p.SessionID, creating it when absent.
func (m *Manager) GetOrCreate(p CreateParams) (*Session, bool) {
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	if p.Direction == "" {
		p.Direction = DirectionInbound
	}
	now := m.clock()

	m.mu.Lock()
	e, ok := m.sessions[p.SessionID]
	if !ok {
		e = &entry{
			s: &Session{
				ID:             p.SessionID,
				From:           p.From,
				To:             p.To,
				Direction:      p.Direction,
				CallStatus:     p.CallStatus,
				Status:         StatusActive,
				StartedAt:      now,
				LastActivityAt: now,
			},
			subs: make(map[int]chan Update),
		}
		m.sessions[p.SessionID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		// Later webhooks may carry numbers the first one lacked.
		if e.s.From == "" {
			e.s.From = p.From
		}
		if e.s.To == "" {
			e.s.To = p.To
		}
		e.s.LastActivityAt = now
	}
	return clone(e.s), !ok
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	var out *Session
	err := m.withEntry(sessionID, func(e *entry, _ time.Time) error {
		out = clone(e.s)
		return nil
	})
	return out, err
}

func (m *Manager) Touch(sessionID string) error {
	return m.withEntry(sessionID, func(e *entry, now time.Time) error {
		e.s.LastActivityAt = now
		return nil
	})
}

// OpenTurn returns the session's non-terminal turn, opening a new one in
// awaiting_recording when there is none. opened is false when an existing
// turn was returned.
func (m *Manager) OpenTurn(sessionID string) (turn Turn, opened bool, err error) {
	maxTurns := m.turnLimit()
	err = m.withEntry(sessionID, func(e *entry, now time.Time) error {
		if idx := activeIndex(e.s); idx >= 0 {
			turn = cloneTurn(e.s.Turns[idx])
			return nil
		}
		idx := e.openTurn(now, maxTurns)
		turn = cloneTurn(e.s.Turns[idx])
		opened = true
		e.publish(now, &turn)
		return nil
	})
	return turn, opened, err
}

// AcceptRecording binds recordingRef to the session's awaiting turn and
// moves it to recording_received. A turn is opened if none is active.
// Returns ErrDuplicateRecording for a reference already consumed by any
// session and ErrTurnBusy when the active turn is already past
// awaiting_recording.
func (m *Manager) AcceptRecording(sessionID, recordingRef string) (Turn, error) {
	maxTurns := m.turnLimit()
	var out Turn
	err := m.withEntry(sessionID, func(e *entry, now time.Time) error {
		m.refsMu.Lock()
		defer m.refsMu.Unlock()
		if _, dup := m.refs[recordingRef]; dup {
			return ErrDuplicateRecording
		}
		idx := activeIndex(e.s)
		if idx >= 0 && e.s.Turns[idx].State != TurnAwaitingRecording {
			return ErrTurnBusy
		}
		if idx < 0 {
			idx = e.openTurn(now, maxTurns)
		}
		m.refs[recordingRef] = consumedRef{sessionID: e.s.ID, at: now}
		t := &e.s.Turns[idx]
		t.RecordingRef = recordingRef
		t.transition(TurnRecordingReceived, now)
		e.s.LastActivityAt = now
		out = cloneTurn(*t)
		e.publish(now, &out)
		return nil
	})
	return out, err
}

// Advance moves a turn from one state to a later one. It fails with
// ErrStaleTransition unless the turn is currently in from and to ranks
// strictly after it. mutate, when set, runs under the session lock before
// the transition is recorded.
func (m *Manager) Advance(sessionID, turnID string, from, to TurnState, mutate func(*Turn)) (Turn, error) {
	var out Turn
	err := m.withEntry(sessionID, func(e *entry, now time.Time) error {
		t := e.turn(turnID)
		if t == nil {
			return ErrTurnNotFound
		}
		if t.State != from || !from.CanAdvanceTo(to) {
			return ErrStaleTransition
		}
		if mutate != nil {
			mutate(t)
		}
		t.transition(to, now)
		e.s.LastActivityAt = now
		out = cloneTurn(*t)
		e.publish(now, &out)
		return nil
	})
	return out, err
}

// FailTurn forces a non-terminal turn into failed with kind.
func (m *Manager) FailTurn(sessionID, turnID string, kind FailureKind) (Turn, error) {
	var out Turn
	err := m.withEntry(sessionID, func(e *entry, now time.Time) error {
		t := e.turn(turnID)
		if t == nil {
			return ErrTurnNotFound
		}
		if t.State.Terminal() {
			return ErrStaleTransition
		}
		t.Failure = kind
		t.transition(TurnFailed, now)
		e.s.LastActivityAt = now
		out = cloneTurn(*t)
		e.publish(now, &out)
		return nil
	})
	return out, err
}

// SetCallStatus records the provider's call status verbatim.
func (m *Manager) SetCallStatus(sessionID, status string) error {
	return m.withEntry(sessionID, func(e *entry, now time.Time) error {
		e.s.CallStatus = status
		e.s.LastActivityAt = now
		return nil
	})
}

// End marks the session ended. A turn still awaiting a recording fails with
// call_ended; turns already in flight are left to finish. Ending an ended
// session is a no-op.
func (m *Manager) End(sessionID string) (*Session, error) {
	var out *Session
	err := m.withEntry(sessionID, func(e *entry, now time.Time) error {
		e.end(now)
		out = clone(e.s)
		return nil
	})
	return out, err
}

// Subscribe streams updates for one session until cancel is called or the
// session is evicted. Slow subscribers miss updates rather than block
// writers.
func (m *Manager) Subscribe(sessionID string) (<-chan Update, func(), error) {
	var (
		ch chan Update
		id int
	)
	e, err := m.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	ch = make(chan Update, 32)
	id = e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel, nil
}

// RecordingConsumer reports which session consumed recordingRef, if any
// session has within the retention window.
func (m *Manager) RecordingConsumer(recordingRef string) (string, bool) {
	m.refsMu.Lock()
	defer m.refsMu.Unlock()
	c, ok := m.refs[recordingRef]
	return c.sessionID, ok
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	count := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.s.Status == StatusActive {
			count++
		}
		e.mu.Unlock()
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

type timedOutTurn struct {
	session *Session
	turn    Turn
}

// sweep fails stuck turns, expires idle sessions, evicts ended ones past
// retention and forgets old recording references.
func (m *Manager) sweep() {
	m.mu.RLock()
	now := m.now()
	inactivity, turnTimeout, retention := m.inactivityTimeout, m.turnTimeout, m.endedRetention
	refRetention := max(m.refRetention, m.endedRetention)
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	expireHook, timeoutHook := m.onExpire, m.onTurnTimeout
	m.mu.RUnlock()

	var (
		expired  []*Session
		timedOut []timedOutTurn
		evict    []*entry
	)
	for _, e := range entries {
		e.mu.Lock()
		var stuck []Turn
		for i := range e.s.Turns {
			t := &e.s.Turns[i]
			if t.State.Terminal() || t.State == TurnAwaitingRecording {
				continue
			}
			if now.Sub(t.UpdatedAt) < turnTimeout {
				continue
			}
			t.Failure = FailureTimeout
			t.transition(TurnFailed, now)
			c := cloneTurn(*t)
			e.publish(now, &c)
			stuck = append(stuck, c)
		}
		if len(stuck) > 0 {
			snap := clone(e.s)
			for _, t := range stuck {
				timedOut = append(timedOut, timedOutTurn{session: snap, turn: t})
			}
		}
		switch e.s.Status {
		case StatusActive:
			if now.Sub(e.s.LastActivityAt) >= inactivity {
				e.end(now)
				expired = append(expired, clone(e.s))
			}
		case StatusEnded:
			if now.Sub(e.s.EndedAt) >= retention {
				evict = append(evict, e)
			}
		}
		e.mu.Unlock()
	}

	if len(evict) > 0 {
		m.mu.Lock()
		for _, e := range evict {
			e.mu.Lock()
			if e.s.Status == StatusEnded && !e.evicted {
				e.evicted = true
				delete(m.sessions, e.s.ID)
				for id, c := range e.subs {
					delete(e.subs, id)
					close(c)
				}
			}
			e.mu.Unlock()
		}
		m.mu.Unlock()
	}

	// References of sessions still held are kept regardless of age.
	m.mu.RLock()
	m.refsMu.Lock()
	for ref, c := range m.refs {
		if _, live := m.sessions[c.sessionID]; live {
			continue
		}
		if now.Sub(c.at) >= refRetention {
			delete(m.refs, ref)
		}
	}
	m.refsMu.Unlock()
	m.mu.RUnlock()

	if timeoutHook != nil {
		for _, t := range timedOut {
			timeoutHook(t.session, t.turn)
		}
	}
	if expireHook != nil {
		for _, s := range expired {
			expireHook(s)
		}
	}
}

func (m *Manager) turnLimit() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxTurns
}

func (e *entry) turn(turnID string) *Turn {
	for i := range e.s.Turns {
		if e.s.Turns[i].ID == turnID {
			return &e.s.Turns[i]
		}
	}
	return nil
}

func (e *entry) openTurn(now time.Time, maxTurns int) int {
	for len(e.s.Turns) >= maxTurns {
		oldest := -1
		for i := range e.s.Turns {
			if e.s.Turns[i].State.Terminal() {
				oldest = i
				break
			}
		}
		if oldest < 0 {
			break
		}
		e.s.Turns = append(e.s.Turns[:oldest], e.s.Turns[oldest+1:]...)
	}
	e.s.TurnCount++
	e.s.Turns = append(e.s.Turns, Turn{
		ID:        uuid.NewString(),
		Index:     e.s.TurnCount,
		State:     TurnAwaitingRecording,
		History:   []Transition{{State: TurnAwaitingRecording, At: now}},
		StartedAt: now,
		UpdatedAt: now,
	})
	e.s.LastActivityAt = now
	return len(e.s.Turns) - 1
}

func (e *entry) end(now time.Time) {
	if e.s.Status == StatusEnded {
		return
	}
	e.s.Status = StatusEnded
	e.s.EndedAt = now
	e.s.LastActivityAt = now
	for i := range e.s.Turns {
		t := &e.s.Turns[i]
		if t.State == TurnAwaitingRecording {
			t.Failure = FailureCallEnded
			t.transition(TurnFailed, now)
			c := cloneTurn(*t)
			e.publish(now, &c)
		}
	}
	e.publish(now, nil)
}

func (e *entry) publish(now time.Time, t *Turn) {
	if len(e.subs) == 0 {
		return
	}
	u := Update{SessionID: e.s.ID, Status: e.s.Status, At: now}
	if t != nil {
		c := cloneTurn(*t)
		u.Turn = &c
	}
	for _, ch := range e.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (t *Turn) transition(to TurnState, now time.Time) {
	t.State = to
	t.UpdatedAt = now
	t.History = append(t.History, Transition{State: to, At: now})
}

func activeIndex(s *Session) int {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if !s.Turns[i].State.Terminal() {
			return i
		}
	}
	return -1
}

func clone(s *Session) *Session {
	c := *s
	if s.Turns != nil {
		c.Turns = make([]Turn, len(s.Turns))
		for i, t := range s.Turns {
			c.Turns[i] = cloneTurn(t)
		}
	}
	return &c
}

func cloneTurn(t Turn) Turn {
	if t.History != nil {
		h := make([]Transition, len(t.History))
		copy(h, t.History)
		t.History = h
	}
	return t
}
