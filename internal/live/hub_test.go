package live

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/httputil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer serves the hub behind a stub that takes the facility from
// the X-Facility header.
func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if facilityID := r.Header.Get("X-Facility"); facilityID != "" {
			r = r.WithContext(httputil.WithOperator(r.Context(), domain.Operator{
				ID:         "op-1",
				FacilityID: facilityID,
				Role:       domain.RoleUser,
			}))
		}
		hub.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, facilityID string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("X-Facility", facilityID)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

func connect(t *testing.T, srv *httptest.Server, hub *Hub, facilityID string) *websocket.Conn {
	t.Helper()

	before := hub.ClientCount(facilityID)
	conn := dial(t, srv, facilityID)
	assert.Equal(t, EventConnected, readEvent(t, conn).Type)
	require.Eventually(t, func() bool {
		return hub.ClientCount(facilityID) == before+1
	}, time.Second, 5*time.Millisecond)
	return conn
}

func TestHub_PublishIsFacilityScoped(t *testing.T) {
	hub := NewHub(Config{})
	t.Cleanup(hub.Close)
	srv := newTestServer(t, hub)

	first := connect(t, srv, hub, "facility-1")
	other := connect(t, srv, hub, "facility-2")

	hub.Publish("facility-2", "incident-created", map[string]string{"id": "inc-9"})
	hub.Publish("facility-1", "incident-created", map[string]string{"id": "inc-1"})

	ev := readEvent(t, first)
	assert.Equal(t, "incident-created", ev.Type)
	assert.Equal(t, map[string]any{"id": "inc-1"}, ev.Data)
	assert.False(t, ev.Timestamp.IsZero())

	ev = readEvent(t, other)
	assert.Equal(t, map[string]any{"id": "inc-9"}, ev.Data)
}

func TestHub_FansOutToEveryClientOfFacility(t *testing.T) {
	hub := NewHub(Config{})
	t.Cleanup(hub.Close)
	srv := newTestServer(t, hub)

	a := connect(t, srv, hub, "facility-1")
	b := connect(t, srv, hub, "facility-1")
	require.Equal(t, 2, hub.ClientCount("facility-1"))

	hub.Publish("facility-1", "incident-updated", nil)

	assert.Equal(t, "incident-updated", readEvent(t, a).Type)
	assert.Equal(t, "incident-updated", readEvent(t, b).Type)
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	hub := NewHub(Config{})
	t.Cleanup(hub.Close)
	srv := newTestServer(t, hub)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub(Config{AllowedOrigins: []string{"https://ui.example"}})
	t.Cleanup(hub.Close)
	srv := newTestServer(t, hub)

	header := http.Header{}
	header.Set("X-Facility", "facility-1")
	header.Set("Origin", "https://evil.example")

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, hub.ClientCount("facility-1"))
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub := NewHub(Config{})
	t.Cleanup(hub.Close)
	srv := newTestServer(t, hub)

	conn := connect(t, srv, hub, "facility-1")
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return hub.ClientCount("facility-1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() { hub.Publish("facility-1", "incident-updated", nil) })
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub(Config{})
	srv := newTestServer(t, hub)

	conn := connect(t, srv, hub, "facility-1")
	hub.Close()
	assert.Equal(t, 0, hub.ClientCount("facility-1"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	header := http.Header{}
	header.Set("X-Facility", "facility-1")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	assert.NotPanics(t, hub.Close)
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := NewHub(Config{SendBuffer: 1})
	t.Cleanup(hub.Close)

	c := &client{id: "slow", facilityID: "facility-1", send: make(chan []byte, 1)}
	require.True(t, hub.register(c))

	hub.Publish("facility-1", "incident-updated", nil)
	assert.Equal(t, 1, hub.ClientCount("facility-1"))

	hub.Publish("facility-1", "incident-updated", nil)
	assert.Equal(t, 0, hub.ClientCount("facility-1"))

	_, ok := <-c.send
	assert.True(t, ok, "buffered event is still readable")
	_, ok = <-c.send
	assert.False(t, ok, "send channel closed after drop")
}

func TestHub_CheckOrigin(t *testing.T) {
	tests := []struct {
		name     string
		allowed  []string
		origin   string
		expected bool
	}{
		{"no origin header", []string{"https://ui.example"}, "", true},
		{"no restriction", nil, "https://any.example", true},
		{"wildcard", []string{"*"}, "https://any.example", true},
		{"listed", []string{"https://ui.example"}, "https://ui.example", true},
		{"not listed", []string{"https://ui.example"}, "https://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(Config{AllowedOrigins: tt.allowed})
			r := httptest.NewRequest(http.MethodGet, "/live", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.expected, hub.checkOrigin(r))
		})
	}
}
