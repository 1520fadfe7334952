// Package checkpoint stores full-store snapshots as JSON blobs. Keys are
// checkpoints/<timestamp>_<uuid>.json so lexical order matches creation
// order; the uuid suffix disambiguates checkpoints taken in the same second
// by different instances.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"cytocore/internal/blob"
	"cytocore/pkg/domain"
)

const (
	keyPrefix   = "checkpoints/"
	keySuffix   = ".json"
	contentType = "application/json"
)

// Manager implements the service's checkpoint contract over a blob store.
type Manager struct {
	store blob.Store
	now   func() time.Time
}

// NewManager wraps a blob store.
func NewManager(store blob.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// SetClock overrides the manager's clock for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Save serializes the snapshot and writes it at a fresh key. The blob
// layer's create-only Put makes collisions an error rather than an
// overwrite.
func (m *Manager) Save(ctx context.Context, snap domain.Snapshot) (domain.CheckpointInfo, error) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = m.now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return domain.CheckpointInfo{}, fmt.Errorf("encode snapshot: %w", err)
	}
	id := fmt.Sprintf("%s_%s", snap.CreatedAt.UTC().Format("20060102T150405"), uuid.NewString()[:8])
	info, err := m.store.Put(ctx, keyPrefix+id+keySuffix, bytes.NewReader(payload), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"samples": fmt.Sprintf("%d", len(snap.Samples))},
	})
	if err != nil {
		return domain.CheckpointInfo{}, fmt.Errorf("store checkpoint %s: %w", id, err)
	}
	return domain.CheckpointInfo{ID: id, Key: info.Key, Size: info.Size, CreatedAt: snap.CreatedAt}, nil
}

// Load fetches and decodes a checkpoint by id.
func (m *Manager) Load(ctx context.Context, id string) (domain.Snapshot, error) {
	_, rc, err := m.store.Get(ctx, keyPrefix+id+keySuffix)
	if err != nil {
		return domain.Snapshot{}, domain.ErrNotFound{Entity: "checkpoint", ID: id}
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return snap, nil
}

// List returns stored checkpoints, newest first.
func (m *Manager) List(ctx context.Context) ([]domain.CheckpointInfo, error) {
	infos, err := m.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]domain.CheckpointInfo, 0, len(infos))
	for _, info := range infos {
		id := strings.TrimSuffix(strings.TrimPrefix(info.Key, keyPrefix), keySuffix)
		out = append(out, domain.CheckpointInfo{ID: id, Key: info.Key, Size: info.Size, CreatedAt: info.LastModified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}
