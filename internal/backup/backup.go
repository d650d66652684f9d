// Package backup archives store snapshots as JSON objects in a blob store and
// restores them through the service so restores are traced and measured like
// any other operation.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"librarycore/internal/blob"
	"librarycore/internal/core"
	"librarycore/pkg/domain"
)

// Prefix is the key prefix every snapshot object is stored under.
const Prefix = "snapshots/"

const (
	contentType = "application/json"
	keyLayout   = "20060102T150405.000Z"
)

// ErrNoSnapshots is returned when the store holds no snapshot objects.
var ErrNoSnapshots = errors.New("backup: no snapshots")

// Source is the part of core.Service a Manager needs.
type Source interface {
	Export() core.Snapshot
	Restore(ctx context.Context, snapshot core.Snapshot) error
}

// Manager writes and reads snapshot archives.
type Manager struct {
	store  blob.Store
	source Source
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used to name snapshot keys.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager returns a Manager writing to store.
func NewManager(store blob.Store, source Source, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		source: source,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the object key for a snapshot taken at t. Keys sort in
// chronological order.
func Key(t time.Time) string {
	return Prefix + t.UTC().Format(keyLayout) + ".json"
}

// Save exports the current state and stores it under a fresh key.
func (m *Manager) Save(ctx context.Context) (blob.Info, error) {
	snap := m.source.Export()
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode snapshot: %w", err)
	}
	key := Key(m.now())
	info, err := m.store.Put(ctx, key, bytes.NewReader(raw), blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"books":   strconv.Itoa(len(snap.Books)),
			"patrons": strconv.Itoa(len(snap.Patrons)),
			"loans":   strconv.Itoa(len(snap.Loans)),
		},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("store snapshot %s: %w", key, err)
	}
	m.logger.Info("snapshot saved", "key", info.Key, "bytes", info.Size, "driver", string(m.store.Driver()))
	return info, nil
}

// List returns stored snapshots, oldest first.
func (m *Manager) List(ctx context.Context) ([]blob.Info, error) {
	infos, err := m.store.List(ctx, Prefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".json") {
			out = append(out, info)
		}
	}
	return out, nil
}

// Latest returns the most recent snapshot.
func (m *Manager) Latest(ctx context.Context) (blob.Info, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return blob.Info{}, err
	}
	if len(infos) == 0 {
		return blob.Info{}, ErrNoSnapshots
	}
	return infos[len(infos)-1], nil
}

// Load reads and decodes the snapshot stored at key.
func (m *Manager) Load(ctx context.Context, key string) (core.Snapshot, error) {
	_, rc, err := m.store.Get(ctx, key)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("open snapshot %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	snap := domain.NewSnapshot()
	if err := json.Unmarshal(raw, &snap); err != nil {
		return core.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, nil
}

// Restore loads the snapshot at key, or the latest one when key is empty,
// and replaces the service state with it. It returns the key restored.
func (m *Manager) Restore(ctx context.Context, key string) (string, error) {
	if key == "" {
		latest, err := m.Latest(ctx)
		if err != nil {
			return "", err
		}
		key = latest.Key
	}
	snap, err := m.Load(ctx, key)
	if err != nil {
		return "", err
	}
	if err := m.source.Restore(ctx, snap); err != nil {
		return "", fmt.Errorf("restore %s: %w", key, err)
	}
	m.logger.Info("snapshot restored", "key", key, "books", len(snap.Books), "loans", len(snap.Loans))
	return key, nil
}
