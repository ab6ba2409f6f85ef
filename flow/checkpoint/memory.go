package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for development and short-lived runs.
// Contents are lost when the process exits; all operations are thread-safe.
type MemStore struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint
	closed  bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{threads: make(map[string][]Checkpoint)}
}

// Put implements Store.
func (m *MemStore) Put(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, existing := range m.threads[cp.ThreadID] {
		if existing.CheckpointID == cp.CheckpointID {
			return ErrConflict
		}
	}
	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], cloneCheckpoint(cp))
	return nil
}

// Get implements Store.
func (m *MemStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	cps := m.threads[threadID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	if checkpointID == "" {
		latest := cps[0]
		for _, cp := range cps[1:] {
			if cp.CreatedAt.After(latest.CreatedAt) {
				latest = cp
			}
		}
		out := cloneCheckpoint(latest)
		return &out, nil
	}
	for _, cp := range cps {
		if cp.CheckpointID == checkpointID {
			out := cloneCheckpoint(cp)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// List implements Store.
func (m *MemStore) List(ctx context.Context, threadID string, limit int) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	cps := m.threads[threadID]
	out := make([]Checkpoint, 0, len(cps))
	for _, cp := range cps {
		out = append(out, cloneCheckpoint(cp))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cleanup implements Store.
func (m *MemStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	removed := 0
	for threadID, cps := range m.threads {
		kept := cps[:0]
		for _, cp := range cps {
			if cp.CreatedAt.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, cp)
		}
		if len(kept) == 0 {
			delete(m.threads, threadID)
		} else {
			m.threads[threadID] = kept
		}
	}
	return removed, nil
}

// Close implements Store. Double-close is a no-op.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneCheckpoint(cp Checkpoint) Checkpoint {
	out := cp
	out.State = append([]byte(nil), cp.State...)
	if cp.ChannelVersions != nil {
		out.ChannelVersions = make(map[string]uint64, len(cp.ChannelVersions))
		for k, v := range cp.ChannelVersions {
			out.ChannelVersions[k] = v
		}
	}
	return out
}
