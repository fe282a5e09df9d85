package remote

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"ripple/internal/ripple"
)

const (
	wsReconnectBase = time.Second
	wsReconnectMax  = 30 * time.Second
)

// streamFrame is one server push on the websocket.
type streamFrame struct {
	Messages      []ripple.Message      `json:"messages,omitempty"`
	Conversations []ripple.Conversation `json:"conversations,omitempty"`
}

// WSStream implements the live-update surface over a websocket. Each
// listener owns its own connection and reconnects on transient failures
// with exponential backoff plus jitter; listeners see a retriable error
// event per failed cycle and a terminal event if the server refuses the
// subscription outright.
type WSStream struct {
	baseURL   string
	authToken string
	dialer    *websocket.Dialer
	logger    ripple.Logger
}

var _ ripple.Stream = (*WSStream)(nil)

type WSOption func(*WSStream)

func WithWSAuthToken(token string) WSOption {
	return func(s *WSStream) { s.authToken = token }
}

func WithWSLogger(logger ripple.Logger) WSOption {
	return func(s *WSStream) { s.logger = logger }
}

func NewWSStream(baseURL string, opts ...WSOption) *WSStream {
	s := &WSStream{
		baseURL: baseURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  ripple.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WSStream) ListenMessages(ctx context.Context, conversationID string) (<-chan ripple.StreamEvent, error) {
	return s.listen(ctx, url.Values{
		"topic":        {"messages"},
		"conversation": {conversationID},
	})
}

func (s *WSStream) ListenConversations(ctx context.Context, userID string) (<-chan ripple.StreamEvent, error) {
	return s.listen(ctx, url.Values{
		"topic": {"conversations"},
		"user":  {userID},
	})
}

func (s *WSStream) listen(ctx context.Context, params url.Values) (<-chan ripple.StreamEvent, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing stream url: %w", err)
	}
	u.Path = "/ws"
	u.RawQuery = params.Encode()

	ch := make(chan ripple.StreamEvent, 16)
	go s.run(ctx, u.String(), ch)
	return ch, nil
}

// run dials, pumps frames, and reconnects until ctx is cancelled or the
// server rejects the subscription with a terminal status.
func (s *WSStream) run(ctx context.Context, target string, ch chan<- ripple.StreamEvent) {
	defer close(ch)

	var header http.Header
	if s.authToken != "" {
		header = http.Header{"Authorization": {"Bearer " + s.authToken}}
	}

	attempt := 0
	for {
		conn, resp, err := s.dialer.DialContext(ctx, target, header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 &&
				resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
				ch <- ripple.StreamEvent{Err: ripple.Terminal(terminalCode(resp.StatusCode),
					fmt.Errorf("stream subscription rejected: %s", resp.Status))}
				return
			}
			ch <- ripple.StreamEvent{Err: ripple.Retriable(ripple.CodeUnavailable, err)}
			attempt++
			if !sleepContext(ctx, reconnectDelay(attempt)) {
				return
			}
			continue
		}

		s.logger.Debug("stream connected", "url", target)
		attempt = 0
		err = s.pump(ctx, conn, ch)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("stream disconnected", "url", target, "error", err)
		ch <- ripple.StreamEvent{Err: ripple.Retriable(ripple.CodeUnavailable, err)}
		attempt++
		if !sleepContext(ctx, reconnectDelay(attempt)) {
			return
		}
	}
}

func (s *WSStream) pump(ctx context.Context, conn *websocket.Conn, ch chan<- ripple.StreamEvent) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("reading stream frame: %w", err)
		}
		select {
		case ch <- ripple.StreamEvent{Messages: frame.Messages, Conversations: frame.Conversations}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func reconnectDelay(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	delay := wsReconnectBase << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(wsReconnectBase)))
	if delay > wsReconnectMax {
		delay = wsReconnectMax
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
