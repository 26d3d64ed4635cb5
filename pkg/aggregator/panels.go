package aggregator

import (
	"fmt"
	"log/slog"

	"github.com/labring/streamscope/pkg/metrics"
	"github.com/labring/streamscope/pkg/protocol"
)

// Panel is an attached inspection panel. Send is called from the panel's
// own writer goroutine and must not call back into the Store.
type Panel interface {
	ID() string
	Send(env protocol.Envelope) error
}

// AttachPanel registers p for tab and queues the session history for it:
// the detection signal, then each stream's record in creation order
// followed by its buffered emissions. The replay is queued before any live
// event can be. A later attach for the same tab replaces the earlier panel.
func (s *Store) AttachPanel(tab int, p Panel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replay []protocol.Envelope
	if sess, ok := s.sessions[tab]; ok && sess.detected {
		var err error
		if replay, err = replayEnvelopes(sess); err != nil {
			return fmt.Errorf("build replay for tab %d: %w", tab, err)
		}
		slog.Debug("session replay queued",
			slog.Int("tab", tab),
			slog.String("panel", p.ID()),
			slog.Int("messages", len(replay)))
	}

	if prev, ok := s.panels[tab]; ok {
		prev.close()
		if prev.panel.ID() != p.ID() {
			slog.Info("panel replaced", slog.Int("tab", tab), slog.String("previous", prev.panel.ID()))
		}
	}
	s.panels[tab] = newOutbox(tab, p, s.opts.PanelQueue, replay, s.panelFailed)
	metrics.AttachedPanels.Set(float64(len(s.panels)))
	slog.Info("panel attached", slog.Int("tab", tab), slog.String("panel", p.ID()))
	return nil
}

// DetachPanel removes p if it is still the panel registered for tab.
func (s *Store) DetachPanel(tab int, p Panel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.panels[tab]; ok && cur.panel == p {
		s.dropLocked(cur)
		slog.Info("panel detached", slog.Int("tab", tab), slog.String("panel", p.ID()))
	}
}

// PanelAttached reports whether a panel is registered for tab.
func (s *Store) PanelAttached(tab int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.panels[tab]
	return ok
}

// Close stops every panel writer. Queued envelopes are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.panels {
		s.dropLocked(b)
	}
}

// forwardLocked queues env for the tab's panel, detaching a panel whose
// queue is full.
func (s *Store) forwardLocked(tab int, env protocol.Envelope) {
	b, ok := s.panels[tab]
	if !ok || b.push(env) {
		return
	}
	s.dropLocked(b)
	metrics.EventsDropped.WithLabelValues("panel_overflow").Inc()
	slog.Warn("panel too slow, detaching",
		slog.Int("tab", tab),
		slog.String("panel", b.panel.ID()),
		slog.Int("queue", s.opts.PanelQueue))
}

func (s *Store) panelFailed(b *outbox, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.panels[b.tab]; ok && cur == b {
		s.dropLocked(b)
		slog.Warn("panel send failed, detaching",
			slog.Int("tab", b.tab),
			slog.String("panel", b.panel.ID()),
			slog.String("error", err.Error()))
	}
}

func (s *Store) dropLocked(b *outbox) {
	b.close()
	if cur, ok := s.panels[b.tab]; ok && cur == b {
		delete(s.panels, b.tab)
	}
	metrics.AttachedPanels.Set(float64(len(s.panels)))
}

func replayEnvelopes(sess *session) ([]protocol.Envelope, error) {
	var out []protocol.Envelope
	add := func(t protocol.MessageType, src protocol.Source, payload any) error {
		env, err := protocol.New(t, src, payload)
		if err != nil {
			return err
		}
		env.TabID = sess.tabID
		out = append(out, env)
		return nil
	}

	if err := add(protocol.TypeDetected, protocol.SourceDetector, protocol.Detected{
		URL:       sess.url,
		Timestamp: sess.createdAt.UnixMilli(),
	}); err != nil {
		return nil, err
	}
	for _, id := range sess.order {
		st := sess.streams[id]
		if err := add(protocol.TypeNewStream, st.Source, protocol.NewStream{
			ID:                st.ID,
			Name:              st.Name,
			Type:              st.Type,
			Timestamp:         st.CreatedAt,
			Status:            string(st.Status),
			SubscriptionCount: st.SubscriptionCount,
			LastError:         st.LastError,
			Metadata:          st.Metadata,
		}); err != nil {
			return nil, err
		}
		for _, e := range st.Emissions {
			if err := add(protocol.TypeEmission, st.Source, protocol.Emission{
				StreamID:  st.ID,
				Kind:      e.Kind,
				Value:     e.Value,
				Timestamp: e.Timestamp,
			}); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
