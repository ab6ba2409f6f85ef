package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ArtifactKind classifies a stage-produced artifact.
type ArtifactKind string

const (
	ArtifactCode     ArtifactKind = "code"
	ArtifactDocument ArtifactKind = "document"
	ArtifactConfig   ArtifactKind = "config"
	ArtifactDiagram  ArtifactKind = "diagram"
	ArtifactData     ArtifactKind = "data"
	ArtifactTest     ArtifactKind = "test"
	ArtifactScript   ArtifactKind = "script"
)

// ValidArtifactKind reports whether k is one of the known kinds.
func ValidArtifactKind(k ArtifactKind) bool {
	switch k {
	case ArtifactCode, ArtifactDocument, ArtifactConfig, ArtifactDiagram,
		ArtifactData, ArtifactTest, ArtifactScript:
		return true
	}
	return false
}

// Artifact is a named output produced by a stage. Artifacts are owned by the
// run and live in the run state's append-only artifact set; names are unique
// within a run unless the artifact is marked overwritable.
type Artifact struct {
	Name          string            `json:"name"`
	Kind          ArtifactKind      `json:"kind"`
	Body          []byte            `json:"body"`
	Size          int               `json:"size"`
	ContentHash   string            `json:"content_hash"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ProducerStage string            `json:"producer_stage"`
}

// NewArtifact builds an artifact with its size and content hash filled in.
func NewArtifact(name string, kind ArtifactKind, body []byte, producer string) Artifact {
	sum := sha256.Sum256(body)
	return Artifact{
		Name:          name,
		Kind:          kind,
		Body:          body,
		Size:          len(body),
		ContentHash:   hex.EncodeToString(sum[:]),
		CreatedAt:     time.Now().UTC(),
		ProducerStage: producer,
	}
}

// Overwritable reports whether a later artifact with the same name may
// replace this one instead of raising a name collision.
func (a Artifact) Overwritable() bool {
	return a.Metadata["overwritable"] == "true"
}
