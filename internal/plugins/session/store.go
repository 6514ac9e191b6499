package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/focus/internal/config"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("session: store closed")

// Data is the value stored for one session. Values must survive a JSON round
// trip, so numbers come back as float64.
type Data map[string]any

// Clone returns a deep copy made through JSON, the same form the stores
// persist.
func (d Data) Clone() (Data, error) {
	raw, err := marshal(d)
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func marshal(d Data) ([]byte, error) {
	if d == nil {
		d = Data{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return raw, nil
}

func decode(raw []byte) (Data, error) {
	d := Data{}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return d, nil
}

// Store persists session data by id.
type Store interface {
	// Load returns the data for id. The bool is false when the session does
	// not exist or has expired.
	Load(ctx context.Context, id string) (Data, bool, error)
	// Save writes data for id, expiring it after ttl.
	Save(ctx context.Context, id string, data Data, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	// Ping checks the backend is reachable. Used for readiness.
	Ping(ctx context.Context) error
	Close() error
}

// NewStore opens the store selected by cfg.Store.
func NewStore(ctx context.Context, cfg config.SessionConfig) (Store, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path)
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}
