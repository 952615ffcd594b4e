package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybridge/internal/eventbus"
	"relaybridge/internal/message"
	"relaybridge/internal/queue"
	"relaybridge/pkg/logx"
)

const business = "+15550001111"

func newTestServer(t *testing.T, cfg Config, q Queue, opts Options) http.Handler {
	t.Helper()
	if cfg.BusinessRecipient == "" {
		cfg.BusinessRecipient = business
	}
	s, err := New(cfg, q, logx.Nop(), opts)
	require.NoError(t, err)
	return s.Handler()
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestNewRejectsBadBusinessRecipient(t *testing.T) {
	t.Parallel()
	_, err := New(Config{BusinessRecipient: "5550001111"}, queue.NewMemory(), logx.Nop(), Options{})
	assert.Error(t, err)
}

func TestSendQueuesVisitorMessage(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory()
	h := newTestServer(t, Config{}, q, Options{})

	rec := post(h, `{"user_phone":"  +447700900123 ","message":"  Do you ship to Leeds?  "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, true, got["success"])
	assert.Equal(t, "Message successfully queued for delivery to business.", got["message"])

	items := q.Items()
	require.Len(t, items, 1)
	it, err := message.Parse(items[0])
	require.NoError(t, err)
	assert.Equal(t, business, it.Recipient)
	assert.Equal(t, "New query from website visitor (+447700900123):\n\nDo you ship to Leeds?", it.Body)
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{"user_phone":`, "Request body must be JSON"},
		{"missing plus", `{"user_phone":"447700900123","message":"hi"}`, "Invalid user phone number format"},
		{"leading zero", `{"user_phone":"+0447700900","message":"hi"}`, "Invalid user phone number format"},
		{"too short", `{"user_phone":"+12345","message":"hi"}`, "Invalid user phone number format"},
		{"empty message", `{"user_phone":"+447700900123","message":"   "}`, "Message cannot be empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := queue.NewMemory()
			h := newTestServer(t, Config{}, q, Options{})
			rec := post(h, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			got := decode(t, rec)
			assert.Equal(t, false, got["success"])
			assert.Contains(t, got["error"], tc.want)
			assert.Empty(t, q.Items())
		})
	}
}

func TestSendQueueUnavailable(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory()
	require.NoError(t, q.Close())
	h := newTestServer(t, Config{}, q, Options{})

	rec := post(h, `{"user_phone":"+447700900123","message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Server error: Could not connect to message queue", decode(t, rec)["error"])
}

func TestSendRateLimitedPerClient(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Config{RatePerMin: 2, Burst: 2}, queue.NewMemory(), Options{})
	body := `{"user_phone":"+447700900123","message":"hi"}`

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, send("192.0.2.1"))
	assert.Equal(t, http.StatusOK, send("192.0.2.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("192.0.2.1"))
	assert.Equal(t, http.StatusOK, send("192.0.2.2"))
}

func TestWidgetServed(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Config{}, queue.NewMemory(), Options{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `fetch("/send"`)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	ready := false
	q := queue.NewMemory()
	h := newTestServer(t, Config{}, q, Options{Ready: func() bool { return ready }})

	get := func() (int, map[string]any) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec.Code, decode(t, rec)
	}

	code, body := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "not_ready", body["session"])

	ready = true
	code, body = get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	require.NoError(t, q.Close())
	code, body = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["queue"])
}

func TestStatus(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory()
	require.NoError(t, q.Push(t.Context(), []byte("+1||a")))
	ring := eventbus.NewRing(4)
	ring.Add(eventbus.Event{Type: eventbus.DispatchSent, Time: time.Unix(10, 0)})
	h := newTestServer(t, Config{}, q, Options{
		Stats:  func() any { return map[string]int{"sent": 7} },
		Events: ring,
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["queue_len"])
	assert.EqualValues(t, 7, body["dispatch"].(map[string]any)["sent"])
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, eventbus.DispatchSent, events[0].(map[string]any)["type"])
}

func TestDebugProfilerOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := newTestServer(t, Config{}, queue.NewMemory(), Options{})
	rec := httptest.NewRecorder()
	off.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	on := newTestServer(t, Config{Debug: true}, queue.NewMemory(), Options{})
	rec = httptest.NewRecorder()
	on.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	l := newClientLimiter(60, 1, func() time.Time { return now })

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.Equal(t, 1, l.size())

	now = now.Add(limiterIdleTTL + limiterSweepEach)
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 1, l.size())
}
