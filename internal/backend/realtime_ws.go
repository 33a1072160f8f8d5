package backend

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// WSRealtime implements RealtimeAPI over the backend's WebSocket change
// feed. One dial per channel; reconnect policy belongs to the caller (the
// realtime bridge), not this transport.
type WSRealtime struct {
	baseURL     string
	tokenFn     func() string
	dialTimeout time.Duration
}

func NewWSRealtime(baseURL string, tokenFn func() string) *WSRealtime {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &WSRealtime{
		baseURL:     baseURL,
		tokenFn:     tokenFn,
		dialTimeout: 10 * time.Second,
	}
}

func (r *WSRealtime) Channel(name string) RealtimeChannel {
	return &wsChannel{
		api:  r,
		name: strings.TrimSpace(name),
	}
}

type wsSubscription struct {
	spec    ChangeSpec
	handler func(ChangeEvent)
}

type wsChannel struct {
	api  *WSRealtime
	name string

	mu        sync.Mutex
	subs      []wsSubscription
	conn      *websocket.Conn
	cancel    context.CancelFunc
	closed    bool
	closeOnce sync.Once
}

func (ch *wsChannel) On(spec ChangeSpec, handler func(ChangeEvent)) {
	if handler == nil {
		return
	}
	ch.mu.Lock()
	ch.subs = append(ch.subs, wsSubscription{spec: spec, handler: handler})
	ch.mu.Unlock()
}

func (ch *wsChannel) Subscribe(status func(state string, err error)) error {
	if status == nil {
		status = func(string, error) {}
	}
	wsURL, err := ch.feedURL()
	if err != nil {
		status(ChannelError, err)
		return err
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), ch.api.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	dialCancel()
	if err != nil {
		status(ChannelError, err)
		return err
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		readCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
		return nil
	}
	ch.conn = conn
	ch.cancel = readCancel
	ch.mu.Unlock()

	status(ChannelSubscribed, nil)
	go ch.readLoop(readCtx, conn, status)
	return nil
}

func (ch *wsChannel) readLoop(ctx context.Context, conn *websocket.Conn, status func(state string, err error)) {
	for {
		var event ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			ch.mu.Lock()
			closed := ch.closed
			ch.mu.Unlock()
			if closed || ctx.Err() != nil {
				status(ChannelClosed, nil)
				return
			}
			status(ChannelError, err)
			return
		}
		ch.dispatch(event)
	}
}

func (ch *wsChannel) dispatch(event ChangeEvent) {
	ch.mu.Lock()
	subs := append([]wsSubscription(nil), ch.subs...)
	ch.mu.Unlock()
	for _, sub := range subs {
		if sub.spec.Table != "" && sub.spec.Table != event.Table {
			continue
		}
		if sub.spec.UserID != "" && event.UserID != "" && sub.spec.UserID != event.UserID {
			continue
		}
		sub.handler(event)
	}
}

func (ch *wsChannel) Close() error {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.closed = true
		conn := ch.conn
		cancel := ch.cancel
		ch.conn = nil
		ch.cancel = nil
		ch.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
		}
	})
	return nil
}

func (ch *wsChannel) feedURL() (string, error) {
	parsed, err := url.Parse(ch.api.baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/realtime"
	q := url.Values{}
	if ch.name != "" {
		q.Set("table", ch.name)
	}
	if ch.api.tokenFn != nil {
		if token := strings.TrimSpace(ch.api.tokenFn()); token != "" {
			q.Set("token", token)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
