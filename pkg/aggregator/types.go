package aggregator

import (
	"time"

	"github.com/labring/streamscope/pkg/protocol"
)

// Status is a stream's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// Emission is one entry of a stream's bounded log.
type Emission struct {
	Kind      protocol.EmissionKind `json:"type"`
	Value     any                   `json:"value,omitempty"`
	Timestamp int64                 `json:"timestamp"`
}

// Stream is the record kept for one stream identity.
type Stream struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Type              string          `json:"type"`
	CreatedAt         int64           `json:"createdAt"`
	Status            Status          `json:"status"`
	SubscriptionCount int             `json:"subscriptionCount"`
	Emissions         []Emission      `json:"emissions"`
	LastError         string          `json:"lastError,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	Source            protocol.Source `json:"source"`
}

func (s *Stream) clone(tail int) Stream {
	out := *s
	src := s.Emissions
	if tail > 0 && len(src) > tail {
		src = src[len(src)-tail:]
	}
	out.Emissions = append(make([]Emission, 0, len(src)), src...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// TabData is the snapshot answered for a tab.
type TabData struct {
	Detected bool              `json:"detected"`
	URL      string            `json:"url,omitempty"`
	Streams  map[string]Stream `json:"streams"`
}

// Summary describes one session in listings.
type Summary struct {
	TabID         int       `json:"tabId"`
	Detected      bool      `json:"detected"`
	URL           string    `json:"url,omitempty"`
	Streams       int       `json:"streams"`
	Apps          []string  `json:"apps,omitempty"`
	PanelAttached bool      `json:"panelAttached"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Stats are totals across all sessions.
type Stats struct {
	Sessions  int `json:"sessions"`
	Panels    int `json:"panels"`
	Streams   int `json:"streams"`
	Emissions int `json:"emissions"`
	Active    int `json:"activeStreams"`
	Completed int `json:"completedStreams"`
	Errored   int `json:"erroredStreams"`
}

type session struct {
	tabID        int
	detected     bool
	url          string
	streams      map[string]*Stream
	order        []string
	apps         []string
	createdAt    time.Time
	lastActivity time.Time
}

func newSession(tab int, now time.Time) *session {
	return &session{
		tabID:        tab,
		streams:      make(map[string]*Stream),
		createdAt:    now,
		lastActivity: now,
	}
}
