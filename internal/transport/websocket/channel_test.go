package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func startServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestChannel_EchoPreservesOrder(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Dial(ctx, Config{URL: url, HandshakeTimeout: time.Second})
	require.NoError(t, err)
	defer ch.Close()

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, ch.Send(ctx, []byte(m)))
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-ch.Inbound():
			assert.Equal(t, want, string(got))
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	assert.NoError(t, ch.Err())
}

func TestChannel_ServerCloseEndsInbound(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("bye"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Dial(ctx, Config{URL: url})
	require.NoError(t, err)
	defer ch.Close()

	var frames []string
	for frame := range ch.Inbound() {
		frames = append(frames, string(frame))
	}
	assert.Equal(t, []string{"bye"}, frames)
	assert.True(t, errors.Is(ch.Err(), ErrClosed))
}

func TestChannel_SendAfterClose(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	ch, err := Dial(context.Background(), Config{URL: url})
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(context.Background(), []byte("x")), ErrClosed)
	assert.NoError(t, ch.Close(), "second close is a no-op")
}

func TestDial_Errors(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	assert.Error(t, err)

	_, err = Dial(context.Background(), Config{URL: "ws://127.0.0.1:1/ws/", HandshakeTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}
