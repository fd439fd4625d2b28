package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwtproxy/nukleus/internal/grant"
	"github.com/jwtproxy/nukleus/internal/keyset"
	"github.com/jwtproxy/nukleus/internal/proxy"
	"github.com/jwtproxy/nukleus/internal/realm"
	"github.com/jwtproxy/nukleus/internal/signaling"
	"github.com/jwtproxy/nukleus/internal/token"
)

type fakeRouter struct {
	routeID     uint64
	upstreamURL string
	found       bool

	throttled []uint64
	cleared   []uint64
}

func (f *fakeRouter) ResolveUpstream(path string) (uint64, string, bool) {
	return f.routeID, f.upstreamURL, f.found
}

func (f *fakeRouter) Throttle(acceptInitialID uint64) {
	f.throttled = append(f.throttled, acceptInitialID)
}

func (f *fakeRouter) ClearThrottle(acceptInitialID uint64) {
	f.cleared = append(f.cleared, acceptInitialID)
}

func newTestAccepter(t *testing.T, upstreamURL string) (*Accepter, *fakeRouter) {
	t.Helper()

	keys, err := keyset.Load("{}")
	require.NoError(t, err)

	router := &fakeRouter{routeID: 7, upstreamURL: upstreamURL, found: upstreamURL != ""}

	a := NewAccepter(Config{
		Verifier:    token.New(keys, true, ""),
		Realms:      realm.NewRegistry(),
		Grants:      grant.NewTable(nil),
		Executor:    signaling.NewWallClockExecutor(),
		Correlation: proxy.NewCorrelationTable(),
		Router:      router,
		Upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	})
	return a, router
}

// downstreamEcho starts a fake downstream server that replies BEGIN to the
// first frame it receives, then echoes every DATA frame back.
func downstreamEcho(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		transport := proxy.NewWSTransport(proxy.WSTransportConfig{Conn: conn})

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		begin, err := proxy.DecodeFrame(data)
		require.NoError(t, err)
		require.Equal(t, proxy.Begin, begin.Type)

		transport.Send(proxy.Frame{Type: proxy.Begin, RouteID: begin.RouteID, StreamID: begin.StreamID})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := proxy.DecodeFrame(data)
			if err != nil {
				return
			}
			if f.Type == proxy.Data {
				transport.Send(proxy.Frame{Type: proxy.Data, RouteID: f.RouteID, StreamID: f.StreamID, Payload: f.Payload})
			}
		}
	}))
}

func toWSTestURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestAccepterReturnsNotFoundWithoutRoute(t *testing.T) {
	a, _ := newTestAccepter(t, "")
	srv := httptest.NewServer(http.HandlerFunc(a.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAccepterForwardsBeginAndData(t *testing.T) {
	downstream := downstreamEcho(t)
	defer downstream.Close()

	a, router := newTestAccepter(t, downstream.URL)
	srv := httptest.NewServer(http.HandlerFunc(a.ServeHTTP))
	defer srv.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial(toWSTestURL(srv.URL), nil)
	require.NoError(t, err)
	defer clientConn.Close()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "BEGIN", wire["type"])

	assert.NotEmpty(t, router.throttled)

	payload := []byte("hello")
	dataFrame := map[string]any{
		"type":     "DATA",
		"routeId":  float64(7),
		"streamId": wire["streamId"],
		"payload":  payload,
	}
	dataJSON, err := json.Marshal(dataFrame)
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, dataJSON))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, echoed, err := clientConn.ReadMessage()
	require.NoError(t, err)

	f, err := proxy.DecodeFrame(echoed)
	require.NoError(t, err)
	assert.Equal(t, proxy.Data, f.Type)
	assert.Equal(t, payload, f.Payload)
}
