package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingStage hands its signal to the test instead of completing.
func pendingStage(label string, sigs chan<- *Signal) Stage {
	return Stage{
		Label: label,
		Kind:  KindAction,
		Run: func(sig *Signal) error {
			sigs <- sig
			return nil
		},
	}
}

func newFakeDriver(t *testing.T) (*Driver, *clockwork.FakeClock, *diagRecorder) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	diag := &diagRecorder{}
	return NewDriver(WithClock(clock), WithDiagnostics(diag)), clock, diag
}

func receiveSignal(t *testing.T, sigs <-chan *Signal) *Signal {
	t.Helper()
	select {
	case s := <-sigs:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("stage never started")
		return nil
	}
}

func blockUntilArmed(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestSignal_DoneBeforeDeadline(t *testing.T) {
	d, clock, diag := newFakeDriver(t)
	sigs := make(chan *Signal, 1)
	tr := newFakeTransport()

	res := startDrive(d, &Chain{Main: []Stage{pendingStage("index", sigs)}}, tr)
	sig := receiveSignal(t, sigs)
	blockUntilArmed(t, clock)

	clock.Advance(1999 * time.Millisecond)
	sig.Done()
	r := waitResult(t, res)

	assert.True(t, r.Connected)
	assert.Empty(t, r.AbortedAt)

	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, diag.count(), "watchdog must not fire after Done")

	sent, closed := tr.counts()
	assert.Equal(t, 1, sent)
	assert.Zero(t, closed)
}

func TestSignal_TimeoutAtDefaultBudget(t *testing.T) {
	d, clock, diag := newFakeDriver(t)
	sigs := make(chan *Signal, 1)
	tr := newFakeTransport()

	res := startDrive(d, &Chain{Main: []Stage{pendingStage("index", sigs)}}, tr)
	receiveSignal(t, sigs)
	blockUntilArmed(t, clock)

	clock.Advance(1999 * time.Millisecond)
	requirePending(t, res)

	clock.Advance(time.Millisecond)
	r := waitResult(t, res)

	assert.False(t, r.Connected)
	assert.Equal(t, "index", r.AbortedAt)

	entries := diag.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "index", entries[0].stage)
	assert.Contains(t, entries[0].msg, "watchdog timeout")

	sent, closed := tr.counts()
	assert.Zero(t, sent)
	assert.Equal(t, 1, closed)
}

func TestSignal_ExtendMovesDeadlineFromCallTime(t *testing.T) {
	d, clock, diag := newFakeDriver(t)
	sigs := make(chan *Signal, 1)

	t0 := clock.Now()
	res := startDrive(d, &Chain{Main: []Stage{pendingStage("slow", sigs)}}, newFakeTransport())
	sig := receiveSignal(t, sigs)
	blockUntilArmed(t, clock)
	assert.Equal(t, t0.Add(2*time.Second), sig.Deadline())

	clock.Advance(1500 * time.Millisecond)
	sig.Extend()
	assert.Equal(t, t0.Add(6500*time.Millisecond), sig.Deadline())

	// The original deadline passes without effect.
	clock.Advance(4999 * time.Millisecond)
	requirePending(t, res)
	assert.Zero(t, diag.count())

	clock.Advance(time.Millisecond)
	r := waitResult(t, res)
	assert.Equal(t, "slow", r.AbortedAt)
	require.Equal(t, 1, diag.count())
}

func TestSignal_ExtendThenDone(t *testing.T) {
	d, clock, diag := newFakeDriver(t)
	sigs := make(chan *Signal, 1)

	res := startDrive(d, &Chain{Main: []Stage{pendingStage("slow", sigs)}}, newFakeTransport())
	sig := receiveSignal(t, sigs)
	blockUntilArmed(t, clock)

	sig.Extend()
	clock.Advance(4 * time.Second)
	sig.Done()

	r := waitResult(t, res)
	assert.True(t, r.Connected)
	assert.Zero(t, diag.count())
}

func TestSignal_SecondExtendOnlyReports(t *testing.T) {
	d, clock, diag := newFakeDriver(t)
	sigs := make(chan *Signal, 1)

	t0 := clock.Now()
	res := startDrive(d, &Chain{Main: []Stage{pendingStage("slow", sigs)}}, newFakeTransport())
	sig := receiveSignal(t, sigs)
	blockUntilArmed(t, clock)

	sig.Extend()
	clock.Advance(time.Second)
	sig.Extend()

	assert.Equal(t, t0.Add(5*time.Second), sig.Deadline(), "second Extend must not move the deadline")
	entries := diag.all()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].msg, "Extend already used")

	clock.Advance(3999 * time.Millisecond)
	requirePending(t, res)
	clock.Advance(time.Millisecond)
	waitResult(t, res)
	assert.Equal(t, 2, diag.count())
}

func TestSignal_DoneAfterTimeoutIsNoop(t *testing.T) {
	d, clock, diag := newFakeDriver(t)
	sigs := make(chan *Signal, 1)

	res := startDrive(d, &Chain{Main: []Stage{pendingStage("late", sigs)}}, newFakeTransport())
	sig := receiveSignal(t, sigs)
	blockUntilArmed(t, clock)

	clock.Advance(2 * time.Second)
	r := waitResult(t, res)
	require.Equal(t, "late", r.AbortedAt)

	sig.Done()
	sig.Extend()

	entries := diag.all()
	require.Len(t, entries, 3)
	assert.Contains(t, entries[1].msg, "Done called after")
	assert.Contains(t, entries[2].msg, "Extend not effective")
	for _, e := range entries {
		assert.Equal(t, "late", e.stage)
	}
}

func TestSignal_ErrorAfterDoneKeepsContinue(t *testing.T) {
	d, _, diag := newFakeDriver(t)
	stage := Stage{Label: "index", Run: func(sig *Signal) error {
		sig.Done()
		return errors.New("late failure")
	}}

	r := d.Drive(context.Background(), &Chain{Main: []Stage{stage}}, newFakeTransport())

	assert.True(t, r.Connected)
	entries := diag.all()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].msg, "failed after it resolved")
}

func TestSignal_ErrorStopsWatchdog(t *testing.T) {
	d, clock, diag := newFakeDriver(t)
	stage := Stage{Label: "index", Run: func(sig *Signal) error {
		return errors.New("boom")
	}}

	r := d.Drive(context.Background(), &Chain{Main: []Stage{stage}}, newFakeTransport())
	require.Equal(t, "index", r.AbortedAt)

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, diag.count(), "only the error is reported, never a timeout")
}
