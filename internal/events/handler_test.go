package events

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/domain/asset"
)

func setupEventsServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(16, nil)
	h := NewHandler(hub, nil, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("user_id", int64(7))
		c.Set("role", "viewer")
		c.Next()
	})
	RegisterRoutes(r.Group("/api/v1"), h)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocket_ReceivesPublishedEvents(t *testing.T) {
	hub, srv := setupEventsServer(t)
	conn := dialWS(t, srv, "")

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(StatusChanged("v1", asset.StatusProcessing, 0, ""))
	hub.Publish(ProgressChanged("v1", 10))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, EventStatus, first.Type)
	assert.Equal(t, asset.StatusProcessing, first.Status)
	assert.Equal(t, EventProgress, second.Type)
	assert.Equal(t, 10, second.Progress)
}

func TestWebSocket_WatchAndPing(t *testing.T) {
	hub, srv := setupEventsServer(t)
	conn := dialWS(t, srv, "?asset_id=v2")

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong map[string]any
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])

	hub.Publish(ProgressChanged("v1", 10))
	hub.Publish(ProgressChanged("v2", 20))

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "v2", ev.AssetID)
	assert.Equal(t, 20, ev.Progress)
}

func TestWebSocket_DisconnectUnsubscribes(t *testing.T) {
	hub, srv := setupEventsServer(t)
	conn := dialWS(t, srv, "")
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSE_StreamsEvents(t *testing.T) {
	hub, srv := setupEventsServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(StatusChanged("v1", asset.StatusSafe, 100, ""))

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var event, data string
	timeout := time.After(2 * time.Second)
	for data == "" {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended early")
			if strings.HasPrefix(line, "event:") {
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
			if strings.HasPrefix(line, "data:") {
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		case <-timeout:
			t.Fatal("no event received")
		}
	}

	assert.Equal(t, string(EventStatus), event)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, asset.StatusSafe, ev.Status)
	assert.Equal(t, 100, ev.Progress)
}
