package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labring/streamscope/pkg/metrics"
	"github.com/labring/streamscope/pkg/protocol"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected = errors.New("uplink not connected")
	ErrQueueFull    = errors.New("uplink queue full")
	ErrClosed       = errors.New("uplink closed")
)

const (
	DefaultUplinkQueue  = 256
	DefaultRedialPeriod = time.Second
	writeWait           = 10 * time.Second
)

// WSUplinkConfig configures a WebSocket uplink.
type WSUplinkConfig struct {
	// URL of the aggregator relay endpoint, e.g. ws://host:9757/ws/relay?tabId=7.
	URL          string
	Header       http.Header
	QueueSize    int
	RedialPeriod time.Duration
	Dialer       *websocket.Dialer
}

// WSUplink sends envelopes to the aggregator over a WebSocket. Sends are
// queued and written by a single goroutine; a failed write drops the
// connection together with the message being written.
type WSUplink struct {
	cfg     WSUplinkConfig
	queue   chan protocol.Envelope
	limiter *rate.Limiter

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewWSUplink(cfg WSUplinkConfig) *WSUplink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultUplinkQueue
	}
	if cfg.RedialPeriod <= 0 {
		cfg.RedialPeriod = DefaultRedialPeriod
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &WSUplink{
		cfg:     cfg,
		queue:   make(chan protocol.Envelope, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Every(cfg.RedialPeriod), 1),
	}
}

// Send queues env without blocking.
func (u *WSUplink) Send(env protocol.Envelope) error {
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case u.queue <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run writes queued envelopes until ctx is done.
func (u *WSUplink) Run(ctx context.Context) error {
	defer u.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-u.queue:
			if err := u.write(ctx, env); err != nil {
				metrics.UplinkFailures.Inc()
				if errors.Is(err, ErrNotConnected) {
					slog.Debug("relay uplink dropped message", slog.String("type", string(env.Type)))
					continue
				}
				slog.Warn("relay uplink write failed",
					slog.String("type", string(env.Type)),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (u *WSUplink) write(ctx context.Context, env protocol.Envelope) error {
	conn, err := u.connection(ctx)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		u.drop(conn)
		return err
	}
	return nil
}

func (u *WSUplink) connection(ctx context.Context) (*websocket.Conn, error) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	if !u.limiter.Allow() {
		return nil, ErrNotConnected
	}
	conn, _, err := u.cfg.Dialer.DialContext(ctx, u.cfg.URL, u.cfg.Header)
	if err != nil {
		slog.Warn("relay uplink dial failed", slog.String("url", u.cfg.URL), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	slog.Info("relay uplink connected", slog.String("url", u.cfg.URL))

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	go u.readPump(conn)
	return conn, nil
}

// readPump drains control frames and notices when the peer goes away.
func (u *WSUplink) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			u.drop(conn)
			return
		}
	}
}

func (u *WSUplink) drop(conn *websocket.Conn) {
	u.mu.Lock()
	if u.conn == conn {
		u.conn = nil
	}
	u.mu.Unlock()
	conn.Close()
}

// Connected reports whether a connection is currently held.
func (u *WSUplink) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil
}

func (u *WSUplink) shutdown() {
	u.mu.Lock()
	u.closed = true
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
