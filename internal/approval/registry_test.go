package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) (*Registry, chan Notice) {
	t.Helper()
	// Request calls the notifier synchronously, so the helper must never
	// block on a full buffer: tests that don't drain notices would wedge
	// every later Request. Drop on full, like the console notifier.
	notices := make(chan Notice, 16)
	notifier := NotifierFunc(func(n Notice) {
		select {
		case notices <- n:
		default:
		}
	})
	reg, err := NewRegistry(notifier, NopSink{}, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg, notices
}

func TestNewRegistryRequiresCollaborators(t *testing.T) {
	if _, err := NewRegistry(nil, NopSink{}, testLogger()); err == nil {
		t.Error("expected error for nil notifier")
	}
	if _, err := NewRegistry(NotifierFunc(func(Notice) {}), nil, testLogger()); err == nil {
		t.Error("expected error for nil sink")
	}
}

func TestRequestNotifiesAndIsPending(t *testing.T) {
	reg, notices := newTestRegistry(t)

	id, err := reg.Request("shell_exec", `{command="ls"}`, time.Minute)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	select {
	case n := <-notices:
		if n.ID != id {
			t.Errorf("notice ID = %q, want %q", n.ID, id)
		}
		if n.ToolName != "shell_exec" {
			t.Errorf("notice tool = %q, want shell_exec", n.ToolName)
		}
	default:
		t.Fatal("no notice delivered")
	}

	req, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if req.Status != StatusPending {
		t.Errorf("status = %v, want Pending", req.Status)
	}
}

func TestRequestValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.Request("", "{}", time.Minute); err == nil {
		t.Error("expected error for empty tool name")
	}
	if _, err := reg.Request("shell_exec", "{}", 0); err == nil {
		t.Error("expected error for zero timeout")
	}
}

func TestDecideWakesWaiter(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.Request("shell_exec", "{}", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan Status, 1)
	go func() {
		st, waitErr := reg.WaitForDecision(context.Background(), id, time.Minute)
		if waitErr != nil {
			t.Errorf("WaitForDecision: %v", waitErr)
		}
		done <- st
	}()

	// Give the waiter a moment to block.
	time.Sleep(10 * time.Millisecond)
	if err := reg.Decide(id, StatusApproved, "tester"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	select {
	case st := <-done:
		if st != StatusApproved {
			t.Errorf("waiter observed %v, want Approved", st)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake after decision")
	}

	req, _ := reg.Get(id)
	if req.DecidedBy != "tester" {
		t.Errorf("DecidedBy = %q, want tester", req.DecidedBy)
	}
	if req.DecidedAt.IsZero() {
		t.Error("DecidedAt not set")
	}
}

func TestDecideInvalidOutcome(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, _ := reg.Request("shell_exec", "{}", time.Minute)

	if err := reg.Decide(id, StatusTimedOut, "tester"); err == nil {
		t.Error("expected error deciding with TimedOut")
	}
	if err := reg.Decide(id, StatusPending, "tester"); err == nil {
		t.Error("expected error deciding with Pending")
	}
}

func TestSecondDecisionRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, _ := reg.Request("shell_exec", "{}", time.Minute)

	if err := reg.Decide(id, StatusApproved, "first"); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	if err := reg.Decide(id, StatusRejected, "second"); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("second decision error = %v, want ErrAlreadyDecided", err)
	}

	// The first decision stands.
	req, _ := reg.Get(id)
	if req.Status != StatusApproved || req.DecidedBy != "first" {
		t.Errorf("record = %v by %q, want Approved by first", req.Status, req.DecidedBy)
	}
}

func TestDecideUnknownRequest(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Decide("nope", StatusApproved, "tester"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("error = %v, want ErrUnknownRequest", err)
	}
}

func TestWaitTimesOut(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, _ := reg.Request("shell_exec", "{}", time.Minute)

	start := time.Now()
	st, err := reg.WaitForDecision(context.Background(), id, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForDecision: %v", err)
	}
	if st != StatusTimedOut {
		t.Errorf("status = %v, want TimedOut", st)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait took %s, expected prompt timeout", elapsed)
	}

	// The timeout is a terminal state; a late decision must lose.
	if err := reg.Decide(id, StatusApproved, "late"); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("late decision error = %v, want ErrAlreadyDecided", err)
	}
}

func TestWaitContextCancelled(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, _ := reg.Request("shell_exec", "{}", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Status, 1)
	go func() {
		st, _ := reg.WaitForDecision(ctx, id, time.Minute)
		done <- st
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case st := <-done:
		if st != StatusCancelled {
			t.Errorf("status = %v, want Cancelled", st)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake on context cancellation")
	}
}

func TestCancelWakesWaiterPromptly(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, _ := reg.Request("shell_exec", "{}", time.Hour)

	done := make(chan Status, 1)
	go func() {
		st, _ := reg.WaitForDecision(context.Background(), id, time.Hour)
		done <- st
	}()

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	if err := reg.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case st := <-done:
		if st != StatusCancelled {
			t.Errorf("status = %v, want Cancelled", st)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("waiter woke after %s, expected promptly", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake after cancel")
	}
}

// TestConcurrentDecidersSingleWinner races many goroutines deciding the same
// request. Exactly one must win; every waiter must observe the winner's state.
func TestConcurrentDecidersSingleWinner(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, _ := reg.Request("shell_exec", "{}", time.Minute)

	const deciders = 16
	const waiters = 8

	waiterStates := make(chan Status, waiters)
	var waitersReady sync.WaitGroup
	for i := 0; i < waiters; i++ {
		waitersReady.Add(1)
		go func() {
			waitersReady.Done()
			st, _ := reg.WaitForDecision(context.Background(), id, time.Minute)
			waiterStates <- st
		}()
	}
	waitersReady.Wait()

	var wins, conflicts int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < deciders; i++ {
		wg.Add(1)
		outcome := StatusApproved
		if i%2 == 1 {
			outcome = StatusRejected
		}
		go func(o Status) {
			defer wg.Done()
			err := reg.Decide(id, o, "racer")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyDecided):
				conflicts++
			default:
				t.Errorf("unexpected decide error: %v", err)
			}
		}(outcome)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if conflicts != deciders-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, deciders-1)
	}

	final, _ := reg.Get(id)
	for i := 0; i < waiters; i++ {
		select {
		case st := <-waiterStates:
			if st != final.Status {
				t.Errorf("waiter observed %v, final state is %v", st, final.Status)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter never woke")
		}
	}
}

type fakeGauge struct {
	mu   sync.Mutex
	last int
}

func (g *fakeGauge) SetPendingApprovals(n int) {
	g.mu.Lock()
	g.last = n
	g.mu.Unlock()
}

func (g *fakeGauge) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func TestPendingGaugeTracksLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	gauge := &fakeGauge{}
	reg.WithMetrics(gauge)

	first, _ := reg.Request("shell_exec", "{}", time.Minute)
	if gauge.value() != 1 {
		t.Errorf("gauge after first request = %d, want 1", gauge.value())
	}
	second, _ := reg.Request("file_read", "{}", time.Minute)
	if gauge.value() != 2 {
		t.Errorf("gauge after second request = %d, want 2", gauge.value())
	}

	if err := reg.Decide(first, StatusApproved, "console"); err != nil {
		t.Fatal(err)
	}
	if gauge.value() != 1 {
		t.Errorf("gauge after decision = %d, want 1", gauge.value())
	}

	if err := reg.Cancel(second); err != nil {
		t.Fatal(err)
	}
	if gauge.value() != 0 {
		t.Errorf("gauge after cancel = %d, want 0", gauge.value())
	}
}

// TestRequestManyWithoutDraining registers far more requests than the notice
// buffer holds while nobody reads it. Request must keep returning promptly;
// a consumer that falls behind loses notices, never the requesting path.
func TestRequestManyWithoutDraining(t *testing.T) {
	reg, notices := newTestRegistry(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < cap(notices)*4; i++ {
			if _, err := reg.Request("shell_exec", "{}", time.Minute); err != nil {
				t.Errorf("Request %d: %v", i, err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Request blocked with an undrained notice consumer")
	}
	if got := len(reg.ListPending()); got != cap(notices)*4 {
		t.Errorf("pending = %d, want %d", got, cap(notices)*4)
	}
}

// TestDecisionRacesTimeout pits an explicit decision against a short timeout
// repeatedly. Whichever wins, the record must settle on exactly one terminal
// state and all observers must agree.
func TestDecisionRacesTimeout(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for i := 0; i < 50; i++ {
		id, _ := reg.Request("shell_exec", "{}", time.Minute)

		done := make(chan Status, 1)
		go func() {
			st, _ := reg.WaitForDecision(context.Background(), id, time.Millisecond)
			done <- st
		}()
		_ = reg.Decide(id, StatusApproved, "racer")

		st := <-done
		if st != StatusApproved && st != StatusTimedOut {
			t.Fatalf("iteration %d: status = %v, want Approved or TimedOut", i, st)
		}
		rec, _ := reg.Get(id)
		if rec.Status != st {
			t.Fatalf("iteration %d: waiter saw %v but record is %v", i, st, rec.Status)
		}
	}
}

func TestListPendingOldestFirst(t *testing.T) {
	reg, _ := newTestRegistry(t)

	first, _ := reg.Request("shell_exec", "{}", time.Minute)
	time.Sleep(2 * time.Millisecond)
	second, _ := reg.Request("file_read", "{}", time.Minute)
	time.Sleep(2 * time.Millisecond)
	third, _ := reg.Request("shell_exec", "{}", time.Minute)

	// Decide one; it must drop out of the pending list.
	_ = reg.Decide(second, StatusRejected, "tester")

	pending := reg.ListPending()
	if len(pending) != 2 {
		t.Fatalf("pending count = %d, want 2", len(pending))
	}
	if pending[0].ID != first || pending[1].ID != third {
		t.Errorf("pending order = [%s %s], want [%s %s]", pending[0].ID, pending[1].ID, first, third)
	}
}

func TestSweepRemovesOnlyOldDecided(t *testing.T) {
	reg, _ := newTestRegistry(t)

	decided, _ := reg.Request("shell_exec", "{}", time.Minute)
	_ = reg.Decide(decided, StatusApproved, "tester")
	pendingID, _ := reg.Request("file_read", "{}", time.Minute)

	// Zero retention: everything decided is already past the cutoff.
	time.Sleep(2 * time.Millisecond)
	if n := reg.sweep(0); n != 1 {
		t.Errorf("sweep removed %d, want 1", n)
	}

	if _, err := reg.Get(decided); !errors.Is(err, ErrUnknownRequest) {
		t.Error("decided request should have been swept")
	}
	if _, err := reg.Get(pendingID); err != nil {
		t.Errorf("pending request swept: %v", err)
	}
}

func TestWaitForDecisionUnknown(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.WaitForDecision(context.Background(), "nope", time.Second); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("error = %v, want ErrUnknownRequest", err)
	}
}

func TestWaitAfterDecisionReturnsImmediately(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, _ := reg.Request("shell_exec", "{}", time.Minute)
	_ = reg.Decide(id, StatusRejected, "tester")

	start := time.Now()
	st, err := reg.WaitForDecision(context.Background(), id, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if st != StatusRejected {
		t.Errorf("status = %v, want Rejected", st)
	}
	if time.Since(start) > time.Second {
		t.Error("wait on a decided request should return immediately")
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusApproved, true},
		{StatusRejected, true},
		{StatusTimedOut, true},
		{StatusCancelled, true},
	}
	for _, tc := range tests {
		if got := tc.status.Terminal(); got != tc.want {
			t.Errorf("%v.Terminal() = %v, want %v", tc.status, got, tc.want)
		}
	}
}
