package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades and echoes text frames back until the client closes.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			kind, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	srv := echoServer(t)
	d := &WebSocketDialer{URL: wsURL(srv.URL), PingInterval: 10 * time.Millisecond}

	tr, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send([]byte(`{"topic":"authenticate","payload":{"userId":"u-1"}}`)))

	// Pings fire in between; Receive only surfaces text frames.
	got, err := tr.Receive()
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"authenticate","payload":{"userId":"u-1"}}`, string(got))
}

func TestWebSocketDialer_CloseUnblocksReceive(t *testing.T) {
	srv := echoServer(t)
	d := &WebSocketDialer{URL: wsURL(srv.URL)}

	tr, err := d.Dial(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := tr.Receive()
		errs <- err
	}()

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close(), "second close is a no-op")

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive still blocked after close")
	}
	assert.Error(t, tr.Send([]byte("x")))
}

func TestWebSocketDialer_RefusedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	d := &WebSocketDialer{URL: wsURL(srv.URL)}
	_, err := d.Dial(context.Background())
	assert.Error(t, err)
}

func TestWebSocketDialer_SendsCurrentCredential(t *testing.T) {
	auths := make(chan string, 2)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths <- r.Header.Get("Authorization")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.Close()
	}))
	t.Cleanup(srv.Close)

	token := "first"
	d := &WebSocketDialer{URL: wsURL(srv.URL), Credential: func() string { return token }}

	tr, err := d.Dial(context.Background())
	require.NoError(t, err)
	tr.Close()
	assert.Equal(t, "Bearer first", <-auths)

	token = ""
	tr, err = d.Dial(context.Background())
	require.NoError(t, err)
	tr.Close()
	assert.Equal(t, "", <-auths)
}
