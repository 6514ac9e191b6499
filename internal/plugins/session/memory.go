package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	cmap "github.com/orcaman/concurrent-map/v2"
)

type memoryEntry struct {
	raw     []byte
	expires time.Time
}

// MemoryStore keeps sessions in process memory. Fine for development and
// single-instance deployments; sessions are lost on restart.
type MemoryStore struct {
	entries cmap.ConcurrentMap[string, memoryEntry]
	clock   clockwork.Clock
	closed  atomic.Bool
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used for expiry.
func WithMemoryClock(c clockwork.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = c }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: cmap.New[memoryEntry](),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Load(_ context.Context, id string) (Data, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	e, ok := s.entries.Get(id)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !s.clock.Now().Before(e.expires) {
		s.entries.Remove(id)
		return nil, false, nil
	}
	d, err := decode(e.raw)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (s *MemoryStore) Save(_ context.Context, id string, data Data, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	raw, err := marshal(data)
	if err != nil {
		return err
	}
	e := memoryEntry{raw: raw}
	if ttl > 0 {
		e.expires = s.clock.Now().Add(ttl)
	}
	s.entries.Set(id, e)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.entries.Remove(id)
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()
	var expired []string
	s.entries.IterCb(func(id string, e memoryEntry) {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			expired = append(expired, id)
		}
	})
	for _, id := range expired {
		s.entries.Remove(id)
	}
	return len(expired)
}

// Len returns the number of stored sessions, expired or not.
func (s *MemoryStore) Len() int {
	return s.entries.Count()
}

func (s *MemoryStore) Ping(context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	s.entries.Clear()
	return nil
}
