// Package aggregator owns the per-tab session records built from relayed
// capture events and serves them to inspection panels.
package aggregator

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/labring/streamscope/pkg/clock"
	"github.com/labring/streamscope/pkg/metrics"
	"github.com/labring/streamscope/pkg/protocol"
)

const (
	DefaultMaxEmissions    = 1000
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultJanitorInterval = 5 * time.Minute
	DefaultPanelQueue      = 1024
)

var (
	ErrTabNotFound    = errors.New("tab not found")
	ErrStreamNotFound = errors.New("stream not found")
	ErrNotIngestable  = errors.New("message is not a capture event")
)

// Options tunes a Store.
type Options struct {
	Clock clock.Clock

	// MaxEmissions is the log high-water mark; a log growing past it is cut
	// to its newest KeepEmissions entries.
	MaxEmissions  int
	KeepEmissions int

	IdleTimeout     time.Duration
	JanitorInterval time.Duration

	// PanelQueue bounds the live envelopes waiting for one panel. A panel
	// that falls further behind is detached.
	PanelQueue int
}

func (o *Options) withDefaults() {
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.MaxEmissions <= 0 {
		o.MaxEmissions = DefaultMaxEmissions
	}
	if o.KeepEmissions <= 0 || o.KeepEmissions >= o.MaxEmissions {
		o.KeepEmissions = max(1, o.MaxEmissions/2)
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = DefaultJanitorInterval
	}
	if o.PanelQueue <= 0 {
		o.PanelQueue = DefaultPanelQueue
	}
}

// Store is the only mutator of session state. Both registries live behind
// one lock so that replay and live forwarding are queued in order; panel
// writes happen outside it.
type Store struct {
	opts Options

	mu       sync.Mutex
	sessions map[int]*session
	panels   map[int]*outbox
}

func NewStore(opts Options) *Store {
	opts.withDefaults()
	return &Store{
		opts:     opts,
		sessions: make(map[int]*session),
		panels:   make(map[int]*outbox),
	}
}

// Ingest applies a relayed envelope to its tab's session and forwards it to
// the attached panel. Events that do not apply are dropped without error.
func (s *Store) Ingest(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeClearConsole, protocol.TypePanelConnected:
		metrics.MessagesRejected.WithLabelValues("aggregator").Inc()
		return fmt.Errorf("%w: %s", ErrNotIngestable, env.Type)
	}
	payload, err := protocol.Validate(env)
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("aggregator").Inc()
		return fmt.Errorf("tab %d: %w", env.TabID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	forward, reason := s.applyLocked(env, payload)
	if reason != "" {
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		slog.Debug("event dropped",
			slog.Int("tab", env.TabID),
			slog.String("type", string(env.Type)),
			slog.String("reason", reason))
		return nil
	}
	metrics.EventsReceived.WithLabelValues(string(env.Type)).Inc()
	if forward {
		s.forwardLocked(env.TabID, env)
	}
	return nil
}

// applyLocked mutates session state. It returns whether env should reach
// the panel, or the reason it was dropped.
func (s *Store) applyLocked(env protocol.Envelope, payload any) (bool, string) {
	now := s.opts.Clock.Now()
	tab := env.TabID

	switch p := payload.(type) {
	case *protocol.Detected:
		sess, created := s.sessionLocked(tab, now)
		if p.URL != "" && sess.url == "" {
			sess.url = p.URL
		}
		if sess.detected && !created {
			return false, "duplicate"
		}
		sess.detected = true
		slog.Info("library detected", slog.Int("tab", tab), slog.String("url", sess.url))
		return true, ""

	case *protocol.DevtoolsReady:
		sess, _ := s.sessionLocked(tab, now)
		sess.detected = true
		return true, ""

	case *protocol.AppConnected:
		sess, ok := s.sessions[tab]
		if !ok {
			return false, "no_session"
		}
		sess.lastActivity = now
		sess.apps = append(sess.apps, p.Name)
		return true, ""

	case *protocol.NewStream:
		sess, _ := s.sessionLocked(tab, now)
		sess.detected = true
		if _, exists := sess.streams[p.ID]; exists {
			return false, "duplicate"
		}
		created := p.Timestamp
		if created == 0 {
			created = env.Timestamp
		}
		sess.streams[p.ID] = &Stream{
			ID:        p.ID,
			Name:      p.Name,
			Type:      p.Type,
			CreatedAt: created,
			Status:    StatusActive,
			Emissions: []Emission{},
			Metadata:  p.Metadata,
			Source:    env.Source,
		}
		sess.order = append(sess.order, p.ID)
		return true, ""
	}

	sess, ok := s.sessions[tab]
	if !ok {
		return false, "no_session"
	}
	stream, ok := sess.streams[protocol.StreamID(payload)]
	if !ok {
		return false, "unknown_stream"
	}
	sess.lastActivity = now

	switch p := payload.(type) {
	case *protocol.Emission:
		stream.Emissions = append(stream.Emissions, Emission{Kind: p.Kind, Value: p.Value, Timestamp: p.Timestamp})
		if len(stream.Emissions) > s.opts.MaxEmissions {
			keep := stream.Emissions[len(stream.Emissions)-s.opts.KeepEmissions:]
			stream.Emissions = append(make([]Emission, 0, s.opts.MaxEmissions), keep...)
			metrics.LogTrims.Inc()
		}
	case *protocol.StreamError:
		stream.Status = StatusErrored
		stream.LastError = p.Error
	case *protocol.StreamComplete:
		if stream.Status != StatusErrored {
			stream.Status = StatusCompleted
		}
	case *protocol.Subscription:
		if p.Count > stream.SubscriptionCount {
			stream.SubscriptionCount = p.Count
		}
	}
	return true, ""
}

func (s *Store) sessionLocked(tab int, now time.Time) (*session, bool) {
	if sess, ok := s.sessions[tab]; ok {
		sess.lastActivity = now
		return sess, false
	}
	sess := newSession(tab, now)
	s.sessions[tab] = sess
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	slog.Debug("session created", slog.Int("tab", tab))
	return sess, true
}

// TabData returns a copy of the tab's session. A tab without a session
// reports an empty, undetected record.
func (s *Store) TabData(tab int) TabData {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[tab]
	if !ok {
		return TabData{Streams: map[string]Stream{}}
	}
	out := TabData{
		Detected: sess.detected,
		URL:      sess.url,
		Streams:  make(map[string]Stream, len(sess.streams)),
	}
	for id, st := range sess.streams {
		out.Streams[id] = st.clone(0)
	}
	return out
}

// Detected reports whether the library has been seen on the tab.
func (s *Store) Detected(tab int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tab]
	return ok && sess.detected
}

// Stream returns a copy of one stream with at most its last tail emissions;
// tail <= 0 returns the whole log.
func (s *Store) Stream(tab int, id string, tail int) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[tab]
	if !ok {
		return Stream{}, fmt.Errorf("%w: %d", ErrTabNotFound, tab)
	}
	st, ok := sess.streams[id]
	if !ok {
		return Stream{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return st.clone(tail), nil
}

// Tabs lists every session ordered by tab identity.
func (s *Store) Tabs() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.sessions))
	for tab, sess := range s.sessions {
		_, attached := s.panels[tab]
		out = append(out, Summary{
			TabID:         tab,
			Detected:      sess.detected,
			URL:           sess.url,
			Streams:       len(sess.streams),
			Apps:          append([]string(nil), sess.apps...),
			PanelAttached: attached,
			CreatedAt:     sess.createdAt,
			LastActivity:  sess.lastActivity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Stats totals sessions, panels, streams and buffered emissions.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Sessions: len(s.sessions), Panels: len(s.panels)}
	for _, sess := range s.sessions {
		st.Streams += len(sess.streams)
		for _, stream := range sess.streams {
			st.Emissions += len(stream.Emissions)
			switch stream.Status {
			case StatusActive:
				st.Active++
			case StatusCompleted:
				st.Completed++
			case StatusErrored:
				st.Errored++
			}
		}
	}
	return st
}

// Navigate handles a navigation start: the attached panel is told to clear,
// then the session is discarded.
func (s *Store) Navigate(tab int, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.panels[tab]; ok {
		env, err := protocol.New(protocol.TypeClearConsole, "", protocol.ClearConsole{Timestamp: protocol.Now()})
		if err == nil {
			env.TabID = tab
			s.forwardLocked(tab, env)
		}
	}
	if _, ok := s.sessions[tab]; ok {
		delete(s.sessions, tab)
		metrics.ActiveSessions.Set(float64(len(s.sessions)))
	}
	slog.Info("tab navigated, session cleared", slog.Int("tab", tab), slog.String("url", url))
}

// CloseTab discards the tab's session and panel registration.
func (s *Store) CloseTab(tab int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hadSession := s.sessions[tab]
	delete(s.sessions, tab)
	if b, ok := s.panels[tab]; ok {
		b.close()
		delete(s.panels, tab)
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	metrics.AttachedPanels.Set(float64(len(s.panels)))
	if hadSession {
		slog.Info("tab closed, session discarded", slog.Int("tab", tab))
	}
}
