package conn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultPingInterval = 30 * time.Second
	handshakeTimeout    = 15 * time.Second
)

// WebSocketDialer opens gorilla/websocket transports to a fixed URL.
type WebSocketDialer struct {
	URL          string
	Header       http.Header
	Credential   func() string // bearer sent with each handshake, if set
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
}

// Dial connects and starts the keepalive pinger.
func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	header := d.Header.Clone()
	if d.Credential != nil {
		if token := d.Credential(); token != "" {
			if header == nil {
				header = http.Header{}
			}
			header.Set("Authorization", "Bearer "+token)
		}
	}
	c, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	t := &wsTransport{
		conn:         c,
		writeTimeout: orDefault(d.WriteTimeout, defaultWriteTimeout),
		pongTimeout:  orDefault(d.PongTimeout, defaultPongTimeout),
		done:         make(chan struct{}),
	}
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(t.pongTimeout))
	})
	c.SetReadDeadline(time.Now().Add(t.pongTimeout))

	go t.pingLoop(orDefault(d.PingInterval, defaultPingInterval))
	return t, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongTimeout  time.Duration

	writeMu sync.Mutex // serialises all conn writes (ping, auth, relay)
	done    chan struct{}
	once    sync.Once
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Any frame proves the peer is alive.
		t.conn.SetReadDeadline(time.Now().Add(t.pongTimeout))
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// pingLoop sends periodic pings until the transport is closed or a write
// fails; a failed ping surfaces as a read error once the deadline passes.
func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
