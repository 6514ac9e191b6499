package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type diagEntry struct {
	level slog.Level
	stage string
	msg   string
}

// diagRecorder collects diagnostics for assertions.
type diagRecorder struct {
	mu      sync.Mutex
	entries []diagEntry
}

func (r *diagRecorder) Report(_ context.Context, level slog.Level, stage, msg string, _ ...slog.Attr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, diagEntry{level: level, stage: stage, msg: msg})
}

func (r *diagRecorder) all() []diagEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]diagEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *diagRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// fakeTransport records finalizer calls.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      int
	closed    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	f.connected = false
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.connected = false
	return nil
}

func (f *fakeTransport) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) counts() (sent, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.closed
}

// hookPlugin is a plugin with both capabilities, recording into a shared log.
type hookPlugin struct {
	name string
	log  *callLog
}

func (p *hookPlugin) Name() string { return p.name }

func (p *hookPlugin) Init(ps *Plugins, sig *Signal) error {
	p.log.add(p.name + ": init")
	sig.Done()
	return nil
}

func (p *hookPlugin) Finalize(ps *Plugins, sig *Signal) error {
	p.log.add(p.name + ": finalize")
	sig.Done()
	return nil
}

// barePlugin implements neither Initializer nor Finalizer.
type barePlugin struct{ name string }

func (p *barePlugin) Name() string { return p.name }

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

// doneHandler records its name and completes immediately.
func doneHandler(log *callLog, name string) Handler {
	return func(ps *Plugins, sig *Signal) error {
		log.add(name)
		sig.Done()
		return nil
	}
}

func startDrive(d *Driver, chain *Chain, tr Transport) <-chan *Result {
	ch := make(chan *Result, 1)
	go func() {
		ch <- d.Drive(context.Background(), chain, tr)
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan *Result) *Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish")
		return nil
	}
}

func requirePending(t *testing.T, ch <-chan *Result) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("pipeline finished before its deadline")
	case <-time.After(50 * time.Millisecond):
	}
}
