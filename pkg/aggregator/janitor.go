package aggregator

import (
	"context"
	"log/slog"

	"github.com/labring/streamscope/pkg/metrics"
)

// RunJanitor evicts idle sessions on the configured interval until ctx is
// done.
func (s *Store) RunJanitor(ctx context.Context) error {
	ticker := s.opts.Clock.NewTicker(s.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if n := s.Sweep(); n > 0 {
				slog.Info("idle sessions evicted", slog.Int("count", n))
			}
		}
	}
}

// Sweep removes sessions without a panel whose last activity is older than
// the idle timeout, returning how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock.Now()
	removed := 0
	for tab, sess := range s.sessions {
		if _, attached := s.panels[tab]; attached {
			continue
		}
		if now.Sub(sess.lastActivity) > s.opts.IdleTimeout {
			delete(s.sessions, tab)
			removed++
		}
	}
	if removed > 0 {
		metrics.ActiveSessions.Set(float64(len(s.sessions)))
	}
	return removed
}
