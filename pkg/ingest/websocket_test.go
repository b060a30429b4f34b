package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHub_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := NewCollectorMetrics()
	hub := NewErrorHub(zerolog.Nop(), metrics)
	go hub.Run(ctx)

	// Broadcasting without clients is a no-op
	require.NoError(t, hub.Broadcast(IngestEvent{Type: "harvest", AppID: "nobody"}))

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, hub.HasClients, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.wsClients) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Broadcast(IngestEvent{Type: "harvest", AppID: "app-1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var event IngestEvent
	require.NoError(t, json.Unmarshal(msg, &event))
	assert.Equal(t, "harvest", event.Type)
	assert.Equal(t, "app-1", event.AppID)

	conn.Close()
	require.Eventually(t, func() bool { return !hub.HasClients() }, 2*time.Second, 10*time.Millisecond)
}
