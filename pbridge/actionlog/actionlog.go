// Package actionlog records the tool and resource executions of one top-level prompt.
package actionlog

import (
	"encoding/json"
	"sync"
	"time"
)

// ActionType distinguishes tool invocations from resource reads.
type ActionType string

const (
	ToolRequest     ActionType = "Tool-Request"
	ResourceRequest ActionType = "Resource-Request"
)

// Entry is one completed action. Resource entries use the URI as Name.
type Entry struct {
	Type         ActionType     `json:"type"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	TimeExecuted time.Time      `json:"timeExecuted"`
	Response     any            `json:"response"`
	IsError      bool           `json:"isError"`
}

// Log is an ordered, append-only record. Slice order is the causal order.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty log.
func New() *Log { return &Log{} }

// Append adds e to the end of the log. A zero TimeExecuted is stamped with the current time.
func (l *Log) Append(e Entry) {
	if e.TimeExecuted.IsZero() {
		e.TimeExecuted = time.Now()
	}
	e.Arguments = CloneArguments(e.Arguments)

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of the entries in append order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Reset clears the log at the start of a new prompt.
func (l *Log) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// MarshalJSON encodes the entries as a JSON array, never null.
func (l *Log) MarshalJSON() ([]byte, error) {
	entries := l.Entries()
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// CloneArguments deep-copies decoded JSON arguments: nested maps and slices
// are duplicated, scalars are shared.
func CloneArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneArguments(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
