// Package events defines the audit records the controller appends to a
// session's event log.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	TaskClassified    Type = "task_classified"
	TaskReclassified  Type = "task_reclassified"
	StageDelegated    Type = "stage_delegated"
	DelegateRejected  Type = "delegate_rejected"
	StageCompleted    Type = "stage_completed"
	VerdictMissing    Type = "verdict_missing"
	PolicyCorrected   Type = "policy_corrected"
	BarrierWaiting    Type = "barrier_waiting"
	BarrierResolved   Type = "barrier_resolved"
	BarrierTimedOut   Type = "barrier_timed_out"
	RetryIssued       Type = "retry_issued"
	RetryExhausted    Type = "retry_exhausted"
	OperationBlocked  Type = "operation_blocked"
	WriteLimitWarning Type = "write_limit_warning"
	StageCrashed      Type = "stage_crashed"
	PipelineComplete  Type = "pipeline_complete"
	PipelineCancelled Type = "pipeline_cancelled"
)

// Event is one entry of the event log.
type Event struct {
	ID        string         `json:"id"`
	Session   string         `json:"session"`
	Type      Type           `json:"type"`
	Stage     string         `json:"stage,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New returns an event with a fresh ID.
func New(session string, typ Type, stage string, detail map[string]any, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Session:   session,
		Type:      typ,
		Stage:     stage,
		Detail:    detail,
		Timestamp: now.UTC(),
	}
}

// Filter returns the events of the given types, all events when types is empty.
func Filter(evs []Event, types ...Type) []Event {
	if len(types) == 0 {
		return evs
	}
	want := make(map[Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Event
	for _, e := range evs {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

// Log accumulates events during one operation. The controller flushes it to
// the store after the state write succeeds.
type Log struct {
	session string
	now     time.Time
	events  []Event
}

// NewLog returns an empty log for session stamped with now.
func NewLog(session string, now time.Time) *Log {
	return &Log{session: session, now: now}
}

// Add records an event.
func (l *Log) Add(typ Type, stage string, detail map[string]any) {
	l.events = append(l.events, New(l.session, typ, stage, detail, l.now))
}

// Events returns the recorded events.
func (l *Log) Events() []Event { return l.events }

// Reset drops the recorded events. Used when an update is retried.
func (l *Log) Reset() { l.events = nil }
