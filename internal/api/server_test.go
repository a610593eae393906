package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/v1link/internal/db"
	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/link"
	"github.com/banshee-data/v1link/internal/session"
	"github.com/banshee-data/v1link/internal/state"
	"github.com/banshee-data/v1link/internal/testutil"
	"github.com/banshee-data/v1link/internal/timeutil"
	"github.com/banshee-data/v1link/internal/units"
)

type fakeController struct {
	mu         sync.Mutex
	state      session.State
	holdoff    bool
	dev        *link.Device
	firmware   string
	sweeps     []esp.SweepDefinition
	err        error
	calls      []string
	reconnects int
}

func (f *fakeController) State() session.State { return f.state }
func (f *fakeController) Holdoff() bool        { return f.holdoff }
func (f *fakeController) Firmware() string     { return f.firmware }

func (f *fakeController) Sweeps() []esp.SweepDefinition { return f.sweeps }

func (f *fakeController) Device() (link.Device, bool) {
	if f.dev == nil {
		return link.Device{}, false
	}
	return *f.dev, true
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) RequestVersion(ctx context.Context) (string, error) {
	if err := f.record("version"); err != nil {
		return "", err
	}
	return "V4.1027", nil
}

func (f *fakeController) StartAlertData(ctx context.Context) error { return f.record("start") }
func (f *fakeController) StopAlertData(ctx context.Context) error  { return f.record("stop") }

func (f *fakeController) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

var epoch = time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC)

type testServer struct {
	ctl   *fakeController
	store *state.Store
	db    *db.DB
	mux   *http.ServeMux
}

func setupTestServer(t *testing.T, withDB bool) *testServer {
	t.Helper()
	ts := &testServer{
		ctl:   &fakeController{state: session.StateConnected},
		store: state.NewStore(),
	}
	if withDB {
		database, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
		ts.db = database
	}
	ts.mux = NewServer(ts.ctl, ts.store, ts.db, units.GHz, "UTC").ServeMux()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := testutil.NewTestRecorder()
	ts.mux.ServeHTTP(w, testutil.NewTestRequest(method, path))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestShowState(t *testing.T) {
	ts := setupTestServer(t, false)
	ts.store.SetConnectionStatus(true, state.StatusConnected)
	ts.store.UpdateAlert(true, state.BandK, 24.150, 192, 48)
	ts.store.UpdateDisplayInfo(5)

	w := ts.do(t, http.MethodGet, "/api/state")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var raw map[string]interface{}
	decode(t, w, &raw)
	assert.Equal(t, true, raw["is_connected"])
	assert.Equal(t, "Connected", raw["connection_status"])
	assert.Equal(t, "K", raw["priority_alert_band"])
	assert.Equal(t, 24.15, raw["priority_alert_freq"])
	assert.Equal(t, "F", raw["priority_alert_direction"])
	assert.Equal(t, float64(5), raw["priority_alert_strength"])

	var got state.V1Data
	decode(t, w, &got)
	assert.Equal(t, ts.store.Snapshot(), got)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := setupTestServer(t, true)
	tests := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/state"},
		{http.MethodPost, "/api/session"},
		{http.MethodPost, "/api/config"},
		{http.MethodGet, "/api/alerts/start"},
		{http.MethodGet, "/api/alerts/stop"},
		{http.MethodDelete, "/api/alerts"},
		{http.MethodPost, "/api/sessions"},
		{http.MethodPost, "/api/connection_events"},
		{http.MethodPost, "/api/version"},
		{http.MethodGet, "/api/reconnect"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.path)
			testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
		})
	}
	assert.Empty(t, ts.ctl.calls)
	assert.Zero(t, ts.ctl.reconnects)
}

func TestShowSession(t *testing.T) {
	ts := setupTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/api/session")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.NotContains(t, w.Body.String(), `"device"`)
	assert.Contains(t, w.Body.String(), `"sweeps":[]`)

	ts.ctl.dev = &link.Device{Address: "C4:4F:33:12:34:56", Name: "V1C-LE-1234", RSSI: -61}
	ts.ctl.firmware = "V4.1027"
	ts.ctl.holdoff = true
	ts.ctl.sweeps = []esp.SweepDefinition{{Index: 0, Commit: true, LowerMHz: 33900, UpperMHz: 34776}}

	w = ts.do(t, http.MethodGet, "/api/session")
	var info SessionInfo
	decode(t, w, &info)
	assert.Equal(t, "Connected", info.State)
	assert.True(t, info.Holdoff)
	require.NotNil(t, info.Device)
	assert.Equal(t, *ts.ctl.dev, *info.Device)
	assert.Equal(t, "V4.1027", info.Firmware)
	assert.Equal(t, ts.ctl.sweeps, info.Sweeps)
	assert.Contains(t, w.Body.String(), `"lower_mhz":33900`)
}

func TestShowConfig(t *testing.T) {
	ts := setupTestServer(t, false)
	w := ts.do(t, http.MethodGet, "/api/config")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var cfg map[string]string
	decode(t, w, &cfg)
	assert.Equal(t, units.GHz, cfg["units"])
	assert.Equal(t, "UTC", cfg["timezone"])
	assert.True(t, strings.HasPrefix(cfg["version"], "v1link "))
}

func TestAlertDataControl(t *testing.T) {
	ts := setupTestServer(t, false)

	w := ts.do(t, http.MethodPost, "/api/alerts/start")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.JSONEq(t, `{"alert_data":true}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/alerts/stop")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.JSONEq(t, `{"alert_data":false}`, w.Body.String())

	assert.Equal(t, []string{"start", "stop"}, ts.ctl.calls)
}

func TestLinkErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not connected", esp.ErrNotConnected, http.StatusServiceUnavailable},
		{"timeout", fmt.Errorf("%w: ReqVersion after 5s", esp.ErrRequestTimeout), http.StatusGatewayTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"rejected", &esp.RequestError{Response: esp.RespUnsupportedPacket, Request: esp.ReqVersion}, http.StatusBadGateway},
		{"other", errors.New("write failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, linkErrorStatus(tt.err))

			ts := setupTestServer(t, false)
			ts.ctl.err = tt.err
			w := ts.do(t, http.MethodPost, "/api/alerts/start")
			testutil.AssertStatusCode(t, w.Code, tt.want)
			var body map[string]string
			decode(t, w, &body)
			assert.Contains(t, body["error"], "Failed to send request")
		})
	}
}

func TestQueryVersion(t *testing.T) {
	ts := setupTestServer(t, false)
	w := ts.do(t, http.MethodGet, "/api/version")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.JSONEq(t, `{"firmware":"V4.1027"}`, w.Body.String())

	ts.ctl.err = esp.ErrNotConnected
	w = ts.do(t, http.MethodGet, "/api/version")
	testutil.AssertStatusCode(t, w.Code, http.StatusServiceUnavailable)
}

func TestReconnect(t *testing.T) {
	ts := setupTestServer(t, false)
	w := ts.do(t, http.MethodPost, "/api/reconnect")
	testutil.AssertStatusCode(t, w.Code, http.StatusAccepted)
	assert.Equal(t, 1, ts.ctl.reconnects)
}

func TestHistoryWithoutDB(t *testing.T) {
	ts := setupTestServer(t, false)
	for _, path := range []string{"/api/alerts", "/api/sessions", "/api/connection_events"} {
		w := ts.do(t, http.MethodGet, path)
		testutil.AssertStatusCode(t, w.Code, http.StatusServiceUnavailable)
	}
}

// recordDrive logs one session with a K alert, a Ka alert and a clear.
func recordDrive(t *testing.T, database *db.DB) string {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	r := db.NewRecorder(database, nil, clock)
	r.SetConnectionStatus(false, state.StatusScanning)
	r.Connected("sim", link.SimDevice)
	r.SetConnectionStatus(true, state.StatusConnected)
	r.SelfTest("V4.1027", []esp.SweepDefinition{{Index: 0, Commit: true, LowerMHz: 33900, UpperMHz: 34776}})
	r.UpdateAlert(true, state.BandK, 24.150, 255, 0)
	clock.Advance(time.Second)
	r.UpdateAlert(true, state.BandKa, 34.700, 51, 102)
	clock.Advance(time.Second)
	r.UpdateAlert(false, state.BandNA, 0, 0, 0)
	id := r.SessionID()
	r.Close()
	return id
}

func TestListAlerts(t *testing.T) {
	ts := setupTestServer(t, true)
	id := recordDrive(t, ts.db)

	w := ts.do(t, http.MethodGet, "/api/alerts")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var alerts []AlertAPI
	decode(t, w, &alerts)
	require.Len(t, alerts, 3)
	assert.False(t, alerts[0].InAlert)
	assert.Equal(t, AlertAPI{
		SessionID: id,
		InAlert:   true,
		Band:      state.BandKa,
		Frequency: 34.7,
		Units:     units.GHz,
		Front:     20,
		Rear:      40,
		Direction: "R",
		At:        "2026-03-14T08:30:01Z",
	}, alerts[1])
	assert.Equal(t, 100, alerts[2].Front)

	w = ts.do(t, http.MethodGet, "/api/alerts?limit=1&units=mhz&tz=America/Los_Angeles")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	alerts = nil
	decode(t, w, &alerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, units.MHz, alerts[0].Units)
	assert.Equal(t, "2026-03-14T01:30:02-07:00", alerts[0].At)

	w = ts.do(t, http.MethodGet, "/api/alerts?limit=2&units=mhz")
	alerts = nil
	decode(t, w, &alerts)
	require.Len(t, alerts, 2)
	assert.InDelta(t, 34700, alerts[1].Frequency, 1e-6)
}

func TestListAlerts_BadParameters(t *testing.T) {
	ts := setupTestServer(t, true)
	for _, q := range []string{"limit=0", "limit=ten", "units=hz", "tz=Mars/Olympus"} {
		t.Run(q, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, "/api/alerts?"+q)
			testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
		})
	}
}

func TestListSessions(t *testing.T) {
	ts := setupTestServer(t, true)
	id := recordDrive(t, ts.db)

	w := ts.do(t, http.MethodGet, "/api/sessions")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var sessions []db.Session
	decode(t, w, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, "V4.1027", sessions[0].Firmware)
	assert.Equal(t, 2, sessions[0].Alerts)

	w = ts.do(t, http.MethodGet, "/api/sessions?id="+id)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var sweeps struct {
		SessionID string                `json:"session_id"`
		Sweeps    []esp.SweepDefinition `json:"sweeps"`
	}
	decode(t, w, &sweeps)
	assert.Equal(t, id, sweeps.SessionID)
	assert.Equal(t, []esp.SweepDefinition{{Index: 0, Commit: true, LowerMHz: 33900, UpperMHz: 34776}}, sweeps.Sweeps)

	w = ts.do(t, http.MethodGet, "/api/sessions?id=unknown")
	assert.JSONEq(t, `{"session_id":"unknown","sweeps":[]}`, w.Body.String())
}

func TestListConnectionEvents(t *testing.T) {
	ts := setupTestServer(t, true)
	recordDrive(t, ts.db)

	w := ts.do(t, http.MethodGet, "/api/connection_events?limit=5")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var events []db.ConnectionEvent
	decode(t, w, &events)
	require.Len(t, events, 2)
	assert.Equal(t, state.StatusConnected, events[0].Status)
	assert.Equal(t, state.StatusScanning, events[1].Status)
}

func TestLoggingMiddleware(t *testing.T) {
	logs := testutil.CaptureLogs(t)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/state?x=1", nil))

	lines := logs.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], statusCodeColor(http.StatusTeapot))
	assert.Contains(t, lines[0], "GET")
	assert.Contains(t, lines[0], "/api/state?x=1")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"302"+colorReset, statusCodeColor(302))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}
