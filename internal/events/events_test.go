package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sadewadee/wpsuper/internal/pool"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubPublishReachesSubscribedRoom(t *testing.T) {
	hub := NewHub(discardLogger())
	handler := NewHandler(hub, discardLogger())
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?pool=app"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // allow AddConnection to register

	hub.Publish(pool.Event{Pool: "app", Kind: "spawn", PID: 123})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt wireEvent
	require.NoError(t, json.Unmarshal(msg, &evt))
	require.Equal(t, "app", evt.Pool)
	require.Equal(t, "spawn", evt.Kind)
	require.Equal(t, 123, evt.PID)
}

func TestHubPublishSkipsUnsubscribedRoom(t *testing.T) {
	hub := NewHub(discardLogger())
	handler := NewHandler(hub, discardLogger())
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?pool=other"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)

	hub.Publish(pool.Event{Pool: "app", Kind: "spawn", PID: 1})

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	require.Error(t, err) // read deadline exceeded: no message delivered
}
