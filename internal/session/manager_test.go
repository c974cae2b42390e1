package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	m := NewManager(time.Minute)
	m.SetClock(clock.Now)
	m.SetTurnTimeout(30 * time.Second)
	m.SetEndedRetention(5 * time.Minute)
	return m, clock
}

func TestManagerCreateGetEnd(t *testing.T) {
	m, _ := newTestManager(t)
	s, created := m.GetOrCreate(CreateParams{SessionID: "CA1", From: "+15550001111", To: "+15550002222"})
	if !created {
		t.Fatalf("created = false, want true")
	}
	if s.ID != "CA1" || s.Status != StatusActive || s.Direction != DirectionInbound {
		t.Fatalf("unexpected session state: %+v", s)
	}

	again, created := m.GetOrCreate(CreateParams{SessionID: "CA1"})
	if created {
		t.Fatalf("second GetOrCreate created = true, want false")
	}
	if again.From != "+15550001111" {
		t.Fatalf("From = %q, want original caller", again.From)
	}

	ended, err := m.End("CA1")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRemoteParty(t *testing.T) {
	in := &Session{From: "+1", To: "+2", Direction: DirectionInbound}
	out := &Session{From: "+1", To: "+2", Direction: DirectionOutbound}
	if in.RemoteParty() != "+1" || out.RemoteParty() != "+2" {
		t.Fatalf("RemoteParty inbound=%q outbound=%q", in.RemoteParty(), out.RemoteParty())
	}
}

func TestOpenTurnReturnsExistingActiveTurn(t *testing.T) {
	m, _ := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})

	first, opened, err := m.OpenTurn("CA1")
	if err != nil || !opened {
		t.Fatalf("OpenTurn() = opened %v err %v, want opened", opened, err)
	}
	if first.State != TurnAwaitingRecording || first.Index != 1 {
		t.Fatalf("unexpected first turn: %+v", first)
	}
	second, opened, err := m.OpenTurn("CA1")
	if err != nil || opened {
		t.Fatalf("second OpenTurn() = opened %v err %v, want existing", opened, err)
	}
	if second.ID != first.ID {
		t.Fatalf("second turn ID = %q, want %q", second.ID, first.ID)
	}
}

func TestAcceptRecordingDuplicateAndBusy(t *testing.T) {
	m, _ := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})

	turn, err := m.AcceptRecording("CA1", "https://rec/1")
	if err != nil {
		t.Fatalf("AcceptRecording() error = %v", err)
	}
	if turn.State != TurnRecordingReceived || turn.RecordingRef != "https://rec/1" {
		t.Fatalf("unexpected turn: %+v", turn)
	}

	if _, err := m.AcceptRecording("CA1", "https://rec/1"); !errors.Is(err, ErrDuplicateRecording) {
		t.Fatalf("replay error = %v, want ErrDuplicateRecording", err)
	}
	if _, err := m.AcceptRecording("CA1", "https://rec/2"); !errors.Is(err, ErrTurnBusy) {
		t.Fatalf("busy error = %v, want ErrTurnBusy", err)
	}

	s, _ := m.Get("CA1")
	if len(s.Turns) != 1 {
		t.Fatalf("len(Turns) = %d, want 1", len(s.Turns))
	}
}

func TestAcceptRecordingIsGlobalAcrossSessions(t *testing.T) {
	m, _ := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	m.GetOrCreate(CreateParams{SessionID: "CA2"})

	const ref = "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE1"
	if _, err := m.AcceptRecording("CA1", ref); err != nil {
		t.Fatalf("AcceptRecording(CA1) error = %v", err)
	}
	if _, err := m.AcceptRecording("CA2", ref); !errors.Is(err, ErrDuplicateRecording) {
		t.Fatalf("AcceptRecording(CA2) error = %v, want ErrDuplicateRecording", err)
	}
	if owner, ok := m.RecordingConsumer(ref); !ok || owner != "CA1" {
		t.Fatalf("RecordingConsumer() = %q, %v; want CA1", owner, ok)
	}

	s, _ := m.Get("CA2")
	if len(s.Turns) != 0 {
		t.Fatalf("CA2 turns = %d, want 0", len(s.Turns))
	}
}

func TestRecordingStaysConsumedAfterEviction(t *testing.T) {
	m, clock := newTestManager(t)
	m.SetRecordingRetention(time.Hour)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	if _, err := m.AcceptRecording("CA1", "https://rec/1"); err != nil {
		t.Fatalf("AcceptRecording() error = %v", err)
	}
	if _, err := m.End("CA1"); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	clock.Advance(6 * time.Minute)
	m.sweep()
	if _, err := m.Get("CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after retention error = %v, want ErrNotFound", err)
	}

	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	if _, err := m.AcceptRecording("CA1", "https://rec/1"); !errors.Is(err, ErrDuplicateRecording) {
		t.Fatalf("replay after eviction error = %v, want ErrDuplicateRecording", err)
	}
	m.End("CA1")

	clock.Advance(2 * time.Hour)
	m.sweep()
	if _, ok := m.RecordingConsumer("https://rec/1"); ok {
		t.Fatalf("reference still remembered past recording retention")
	}
}

func TestLiveSessionKeepsOldRecordingReferences(t *testing.T) {
	m, clock := newTestManager(t)
	m.SetRecordingRetention(time.Minute)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	if _, err := m.AcceptRecording("CA1", "https://rec/1"); err != nil {
		t.Fatalf("AcceptRecording() error = %v", err)
	}

	clock.Advance(20 * time.Minute)
	_ = m.Touch("CA1")
	m.sweep()
	if _, ok := m.RecordingConsumer("https://rec/1"); !ok {
		t.Fatalf("reference of a held session was forgotten")
	}
}

func TestAdvanceIsMonotonicCompareAndSet(t *testing.T) {
	m, _ := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	turn, _ := m.AcceptRecording("CA1", "r1")

	if _, err := m.Advance("CA1", turn.ID, TurnAwaitingRecording, TurnTranscribing, nil); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("wrong from error = %v, want ErrStaleTransition", err)
	}
	got, err := m.Advance("CA1", turn.ID, TurnRecordingReceived, TurnTranscribing, func(tr *Turn) {
		tr.FetchAttempts = 2
	})
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if got.State != TurnTranscribing || got.FetchAttempts != 2 {
		t.Fatalf("unexpected turn after advance: %+v", got)
	}
	if _, err := m.Advance("CA1", turn.ID, TurnTranscribing, TurnRecordingReceived, nil); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("backward error = %v, want ErrStaleTransition", err)
	}
	if _, err := m.Advance("CA1", "nope", TurnTranscribing, TurnTranscribed, nil); !errors.Is(err, ErrTurnNotFound) {
		t.Fatalf("unknown turn error = %v, want ErrTurnNotFound", err)
	}

	wantHistory := []TurnState{TurnAwaitingRecording, TurnRecordingReceived, TurnTranscribing}
	if len(got.History) != len(wantHistory) {
		t.Fatalf("History = %+v, want %v", got.History, wantHistory)
	}
	for i, st := range wantHistory {
		if got.History[i].State != st {
			t.Fatalf("History[%d] = %q, want %q", i, got.History[i].State, st)
		}
	}
}

func TestAdvanceConcurrentSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	turn, _ := m.AcceptRecording("CA1", "r1")

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Advance("CA1", turn.ID, TurnRecordingReceived, TurnTranscribing, nil); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func TestFailTurnRejectsTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	turn, _ := m.AcceptRecording("CA1", "r1")

	failed, err := m.FailTurn("CA1", turn.ID, FailureOverloaded)
	if err != nil {
		t.Fatalf("FailTurn() error = %v", err)
	}
	if failed.State != TurnFailed || failed.Failure != FailureOverloaded {
		t.Fatalf("unexpected failed turn: %+v", failed)
	}
	if _, err := m.FailTurn("CA1", turn.ID, FailureTimeout); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("second FailTurn error = %v, want ErrStaleTransition", err)
	}
}

func TestEndFailsAwaitingTurnOnly(t *testing.T) {
	m, _ := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	inflight, _ := m.AcceptRecording("CA1", "r1")
	if _, err := m.Advance("CA1", inflight.ID, TurnRecordingReceived, TurnTranscribing, nil); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	m.GetOrCreate(CreateParams{SessionID: "CA2"})
	awaiting, _, _ := m.OpenTurn("CA2")

	if _, err := m.End("CA1"); err != nil {
		t.Fatalf("End(CA1) error = %v", err)
	}
	s1, _ := m.Get("CA1")
	if got, _ := s1.FindTurn(inflight.ID); got.State != TurnTranscribing {
		t.Fatalf("in-flight turn state = %q, want %q", got.State, TurnTranscribing)
	}

	s2, err := m.End("CA2")
	if err != nil {
		t.Fatalf("End(CA2) error = %v", err)
	}
	got, _ := s2.FindTurn(awaiting.ID)
	if got.State != TurnFailed || got.Failure != FailureCallEnded {
		t.Fatalf("awaiting turn = %+v, want failed/call_ended", got)
	}
}

func TestRecordingAfterEndOpensNewTurn(t *testing.T) {
	m, _ := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	m.OpenTurn("CA1")
	m.End("CA1")

	turn, err := m.AcceptRecording("CA1", "late")
	if err != nil {
		t.Fatalf("AcceptRecording() error = %v", err)
	}
	if turn.Index != 2 || turn.State != TurnRecordingReceived {
		t.Fatalf("unexpected late turn: %+v", turn)
	}
}

func TestSweepTimesOutStuckTurns(t *testing.T) {
	m, clock := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	turn, _ := m.AcceptRecording("CA1", "r1")

	var hooked []Turn
	m.SetTurnTimeoutHook(func(_ *Session, tr Turn) { hooked = append(hooked, tr) })

	clock.Advance(29 * time.Second)
	m.sweep()
	s, _ := m.Get("CA1")
	if got, _ := s.FindTurn(turn.ID); got.State != TurnRecordingReceived {
		t.Fatalf("state before timeout = %q, want %q", got.State, TurnRecordingReceived)
	}

	clock.Advance(2 * time.Second)
	m.sweep()
	s, _ = m.Get("CA1")
	got, _ := s.FindTurn(turn.ID)
	if got.State != TurnFailed || got.Failure != FailureTimeout {
		t.Fatalf("turn after timeout = %+v, want failed/turn_timeout", got)
	}
	if len(hooked) != 1 || hooked[0].ID != turn.ID {
		t.Fatalf("timeout hook calls = %+v, want one for %s", hooked, turn.ID)
	}
}

func TestSweepExpiresAndEvicts(t *testing.T) {
	m, clock := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	updates, cancel, err := m.Subscribe("CA1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	var expired int
	m.SetExpireHook(func(*Session) { expired++ })

	clock.Advance(2 * time.Minute)
	m.sweep()
	s, err := m.Get("CA1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.Status != StatusEnded || expired != 1 {
		t.Fatalf("status = %q expired = %d, want ended/1", s.Status, expired)
	}

	clock.Advance(6 * time.Minute)
	m.sweep()
	if _, err := m.Get("CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after retention error = %v, want ErrNotFound", err)
	}

	for range updates {
	}
}

func TestSubscribeReceivesTurnUpdates(t *testing.T) {
	m, _ := newTestManager(t)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})
	updates, cancel, err := m.Subscribe("CA1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	turn, _ := m.AcceptRecording("CA1", "r1")
	select {
	case u := <-updates:
		if u.Turn == nil || u.Turn.ID != turn.ID || u.Turn.State != TurnRecordingReceived {
			t.Fatalf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update")
	}
}

func TestMaxTurnsPrunesOldestTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetMaxTurns(2)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})

	for i, ref := range []string{"r1", "r2", "r3"} {
		turn, err := m.AcceptRecording("CA1", ref)
		if err != nil {
			t.Fatalf("AcceptRecording(%d) error = %v", i, err)
		}
		if _, err := m.FailTurn("CA1", turn.ID, FailureInvalidEvent); err != nil {
			t.Fatalf("FailTurn(%d) error = %v", i, err)
		}
	}
	s, _ := m.Get("CA1")
	if len(s.Turns) != 2 || s.TurnCount != 3 {
		t.Fatalf("len(Turns) = %d TurnCount = %d, want 2/3", len(s.Turns), s.TurnCount)
	}
	if s.Turns[0].Index != 2 {
		t.Fatalf("oldest kept index = %d, want 2", s.Turns[0].Index)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	m.GetOrCreate(CreateParams{SessionID: "CA1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get("CA1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
}
