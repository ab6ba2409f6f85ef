// Package hub fans out per-run state events to live subscribers.
//
// Each subscriber owns one bounded mailbox; publishers never block on a slow
// consumer. On sustained overflow the oldest events are dropped and the
// subscriber sees a single overflow marker once it catches up. Events for
// one run always arrive in publish order; nothing is guaranteed across runs.
package hub

import "time"

// EventKind labels an outbound event.
type EventKind string

const (
	KindStateUpdate   EventKind = "state_update"
	KindStageComplete EventKind = "stage_complete"
	KindRunComplete   EventKind = "run_complete"
	KindError         EventKind = "error"
	KindOverflow      EventKind = "overflow"
	KindPong          EventKind = "pong"
)

// Event is one run-scoped notification published by the engine after every
// checkpoint.
type Event struct {
	Kind          EventKind      `json:"type"`
	RunID         string         `json:"run_id,omitempty"`
	Progress      float64        `json:"progress,omitempty"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Control is an inbound message on the bidirectional stream. Only control
// actions travel inbound; domain mutations go through the run-control API.
type Control struct {
	Action string `json:"action"`
	RunID  string `json:"run_id,omitempty"`
}

// Valid inbound actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)
