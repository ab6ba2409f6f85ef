// Package checkpoint persists point-in-time run snapshots.
//
// Checkpoints for one thread form a tree: each checkpoint names its parent,
// and a resume from checkpoint C produces a child of C. Four backends share
// one interface; selection is a deployment-time choice and the engine does
// not care which is behind it.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by Put when (thread_id, checkpoint_id) already
// exists.
var ErrConflict = errors.New("checkpoint: id conflict")

// ErrNotFound is returned by Get when the thread has no matching checkpoint.
var ErrNotFound = errors.New("checkpoint: not found")

// ErrClosed is returned by any operation after Close.
var ErrClosed = errors.New("checkpoint: store is closed")

// Checkpoint is one persisted snapshot. State is opaque to the store; the
// engine owns the serialization. ChannelVersions carries the per-accumulator
// counters used for replay-conflict detection.
type Checkpoint struct {
	ThreadID        string            `json:"thread_id"`
	CheckpointID    string            `json:"checkpoint_id"`
	ParentID        string            `json:"parent_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	State           []byte            `json:"state"`
	ChannelVersions map[string]uint64 `json:"channel_versions,omitempty"`
}

// Store is the checkpoint persistence interface.
//
// Put is atomic per checkpoint and serialised per thread by the engine, so
// implementations only need per-row atomicity. Reads may run concurrently
// with writes.
type Store interface {
	// Put inserts a checkpoint. ErrConflict when the id already exists for
	// the thread.
	Put(ctx context.Context, cp Checkpoint) error

	// Get returns one checkpoint; an empty checkpointID selects the latest
	// by creation time. ErrNotFound when nothing matches.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// List returns the thread's checkpoints newest first. limit <= 0 means
	// all of them. Every backend returns the full list.
	List(ctx context.Context, threadID string, limit int) ([]Checkpoint, error)

	// Cleanup deletes checkpoints created before the cutoff, across all
	// threads, and reports how many were removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases the backend's resources.
	Close() error
}
