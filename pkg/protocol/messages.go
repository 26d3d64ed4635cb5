// Package protocol defines the message vocabulary exchanged between the page,
// the content agent, the aggregator and the inspection panel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the envelope discriminant.
type MessageType string

const (
	TypeNewStream      MessageType = "new-stream"
	TypeEmission       MessageType = "stream-emission"
	TypeStreamError    MessageType = "stream-error"
	TypeStreamComplete MessageType = "stream-complete"
	TypeSubscription   MessageType = "stream-subscription"
	TypeDevtoolsReady  MessageType = "devtools-ready"
	TypeAppConnected   MessageType = "app-connected"
	TypeDetected       MessageType = "rxjs-detected"
	TypeClearConsole   MessageType = "clear-console"
	TypePanelConnected MessageType = "panel-connected"
)

// Source tags who produced a message.
type Source string

const (
	SourceInjected Source = "rxjs-devtools-injected"
	SourceHook     Source = "rxjs-devtools-global-hook"
	SourceDetector Source = "rxjs-devtools-detector"
)

// EmissionKind is the notification carried by an emission.
type EmissionKind string

const (
	KindNext     EmissionKind = "next"
	KindError    EmissionKind = "error"
	KindComplete EmissionKind = "complete"
)

// Envelope is the wire form of every message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Source    Source          `json:"source,omitempty"`
	TabID     int             `json:"tabId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Now returns the current time in milliseconds since the epoch, the unit
// used by every timestamp field.
func Now() int64 { return time.Now().UnixMilli() }

// NewStream announces a stream and its display name. Fields not known to
// the pipeline are kept in Metadata and re-emitted inline.
type NewStream struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`

	// Set when a stored record is replayed to a panel.
	Status            string `json:"status,omitempty"`
	SubscriptionCount int    `json:"subscriptionCount,omitempty"`
	LastError         string `json:"lastError,omitempty"`

	Metadata map[string]any `json:"-"`
}

var newStreamKeys = map[string]struct{}{
	"id": {}, "name": {}, "type": {}, "timestamp": {},
	"status": {}, "subscriptionCount": {}, "lastError": {},
}

type newStreamFields NewStream

func (n NewStream) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(newStreamFields(n))
	if err != nil {
		return nil, err
	}
	if len(n.Metadata) == 0 {
		return base, nil
	}
	merged := make(map[string]json.RawMessage, len(n.Metadata)+4)
	for k, v := range n.Metadata {
		if _, reserved := newStreamKeys[k]; reserved {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		merged[k] = raw
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(base, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (n *NewStream) UnmarshalJSON(b []byte) error {
	var f newStreamFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k := range newStreamKeys {
		delete(all, k)
	}
	*n = NewStream(f)
	if len(all) > 0 {
		n.Metadata = all
	}
	return nil
}

// Emission is one next/error/complete notification on a stream.
type Emission struct {
	StreamID  string       `json:"streamId" validate:"required"`
	Kind      EmissionKind `json:"type" validate:"required,oneof=next error complete"`
	Value     any          `json:"value,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

type StreamError struct {
	ID        string `json:"id" validate:"required"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

type StreamComplete struct {
	ID        string `json:"id" validate:"required"`
	Timestamp int64  `json:"timestamp"`
}

// Subscription carries a stream's running subscription count.
type Subscription struct {
	ID        string `json:"id" validate:"required"`
	Count     int    `json:"count" validate:"min=1"`
	Timestamp int64  `json:"timestamp"`
}

type DevtoolsReady struct {
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

type AppConnected struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// Detected is the detection signal sent by the content agent.
type Detected struct {
	URL       string `json:"url,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type ClearConsole struct {
	Timestamp int64 `json:"timestamp"`
}

// StreamID returns the stream a payload refers to, or "" for tab-level
// messages.
func StreamID(payload any) string {
	switch p := payload.(type) {
	case *NewStream:
		return p.ID
	case *Emission:
		return p.StreamID
	case *StreamError:
		return p.ID
	case *StreamComplete:
		return p.ID
	case *Subscription:
		return p.ID
	}
	return ""
}
