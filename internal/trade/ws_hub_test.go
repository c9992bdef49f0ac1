package trade

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *WSHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Keepalive pings and broadcast frames share one connection; the write
// pump must serialize them. Shrinking the ping interval makes pings
// interleave with a flood of concurrent broadcasts, which used to panic
// with two goroutines writing to the same connection.
func TestWSHub_ConcurrentBroadcastsAndPings(t *testing.T) {
	hub := NewWSHub()
	hub.pingInterval = 2 * time.Millisecond
	go hub.Run()

	conn := dialHub(t, hub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Broadcast(WSMessage{Type: "price_update", Symbol: "ABC", Price: "101.25"})
				time.Sleep(time.Millisecond)
			}
		}()
	}

	// ReadJSON answers pings transparently; a write-side panic surfaces
	// here as a closed connection.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	received := 0
	for received < 20 {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg), "connection died after %d messages", received)
		require.Equal(t, "price_update", msg.Type)
		require.Equal(t, "ABC", msg.Symbol)
		received++
	}
	wg.Wait()
}

func TestWSHub_DisconnectUnregistersClient(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	conn := dialHub(t, hub)
	hub.Broadcast(WSMessage{Type: "price_update", Symbol: "DEF", Price: "42"})

	var msg WSMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "DEF", msg.Symbol)

	require.NoError(t, conn.Close())

	// Broadcasting after the disconnect must not wedge the hub.
	for i := 0; i < 10; i++ {
		hub.Broadcast(WSMessage{Type: "price_update", Symbol: "DEF", Price: "43"})
		time.Sleep(10 * time.Millisecond)
	}
}
