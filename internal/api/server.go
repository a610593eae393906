// Package api serves the published detector state, the event log history
// and link control over HTTP, plus a websocket stream of state changes.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/v1link/internal/db"
	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/httputil"
	"github.com/banshee-data/v1link/internal/link"
	"github.com/banshee-data/v1link/internal/monitoring"
	"github.com/banshee-data/v1link/internal/session"
	"github.com/banshee-data/v1link/internal/state"
	"github.com/banshee-data/v1link/internal/units"
	"github.com/banshee-data/v1link/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// requestTimeout bounds control requests, including time held by the
// detector's holdoff.
const requestTimeout = 15 * time.Second

// Controller is the part of the session manager the API drives.
type Controller interface {
	State() session.State
	Holdoff() bool
	Device() (link.Device, bool)
	Firmware() string
	Sweeps() []esp.SweepDefinition
	RequestVersion(ctx context.Context) (string, error)
	StartAlertData(ctx context.Context) error
	StopAlertData(ctx context.Context) error
	Reconnect()
}

type Server struct {
	ctl      Controller
	store    *state.Store
	db       *db.DB
	units    string
	timezone string
	upgrader websocket.Upgrader
}

// NewServer returns a server over ctl and store. database may be nil, in
// which case history endpoints answer 503.
func NewServer(ctl Controller, store *state.Store, database *db.DB, units, timezone string) *Server {
	return &Server{
		ctl:      ctl,
		store:    store,
		db:       database,
		units:    units,
		timezone: timezone,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Dashboards are served from other local origins
			},
		},
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrade take over the connection through the
// middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/session", s.showSession)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/alerts", s.listAlerts)
	mux.HandleFunc("/api/alerts/start", s.alertDataHandler(true))
	mux.HandleFunc("/api/alerts/stop", s.alertDataHandler(false))
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/connection_events", s.listConnectionEvents)
	mux.HandleFunc("/api/version", s.queryVersion)
	mux.HandleFunc("/api/reconnect", s.reconnectHandler)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// linkErrorStatus maps an engine error onto an HTTP status.
func linkErrorStatus(err error) int {
	var reqErr *esp.RequestError
	switch {
	case errors.Is(err, esp.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, esp.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &reqErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		httputil.MethodNotAllowed(w)
		return false
	}
	return true
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.store.Snapshot())
}

// SessionInfo describes the current connection.
type SessionInfo struct {
	State    string                `json:"state"`
	Holdoff  bool                  `json:"holdoff"`
	Device   *link.Device          `json:"device,omitempty"`
	Firmware string                `json:"firmware,omitempty"`
	Sweeps   []esp.SweepDefinition `json:"sweeps"`
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	info := SessionInfo{
		State:    s.ctl.State().String(),
		Holdoff:  s.ctl.Holdoff(),
		Firmware: s.ctl.Firmware(),
		Sweeps:   s.ctl.Sweeps(),
	}
	if dev, ok := s.ctl.Device(); ok {
		info.Device = &dev
	}
	if info.Sweeps == nil {
		info.Sweeps = []esp.SweepDefinition{}
	}
	httputil.WriteJSONOK(w, info)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"units":    s.units,
		"timezone": s.timezone,
		"version":  version.String(),
	})
}

func (s *Server) alertDataHandler(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		send := s.ctl.StopAlertData
		if start {
			send = s.ctl.StartAlertData
		}
		if err := send(ctx); err != nil {
			httputil.WriteJSONError(w, linkErrorStatus(err), fmt.Sprintf("Failed to send request: %v", err))
			return
		}
		httputil.WriteJSONOK(w, map[string]bool{"alert_data": start})
	}
}

func (s *Server) queryVersion(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	v, err := s.ctl.RequestVersion(ctx)
	if err != nil {
		httputil.WriteJSONError(w, linkErrorStatus(err), fmt.Sprintf("Failed to query version: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"firmware": v})
}

func (s *Server) reconnectHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.ctl.Reconnect()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// parseLimit reads the optional limit query parameter.
func parseLimit(r *http.Request) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return db.DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return n, nil
}

// AlertAPI is an alert transition as served, with the frequency in the
// requested units and the time in the requested timezone.
type AlertAPI struct {
	SessionID string  `json:"session_id,omitempty"`
	InAlert   bool    `json:"in_alert"`
	Band      string  `json:"band"`
	Frequency float64 `json:"frequency"`
	Units     string  `json:"units"`
	Front     int     `json:"front_percent"`
	Rear      int     `json:"rear_percent"`
	Direction string  `json:"direction"`
	At        string  `json:"at"`
}

func (s *Server) historyDB(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.ServiceUnavailable(w, "event log disabled")
		return false
	}
	return true
}

// displayOptions resolves units and timezone from the query, falling back
// to the server defaults.
func (s *Server) displayOptions(r *http.Request) (string, string, error) {
	u := s.units
	if q := r.URL.Query().Get("units"); q != "" {
		if !units.IsValid(q) {
			return "", "", fmt.Errorf("invalid 'units' parameter; valid: %s", units.GetValidUnitsString())
		}
		u = q
	}
	tz := s.timezone
	if q := r.URL.Query().Get("tz"); q != "" {
		if !units.IsTimezoneValid(q) {
			return "", "", fmt.Errorf("invalid 'tz' parameter %q", q)
		}
		tz = q
	}
	return u, tz, nil
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) || !s.historyDB(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	u, tz, err := s.displayOptions(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	alerts, err := s.db.RecentAlerts(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve alerts: %v", err))
		return
	}

	out := make([]AlertAPI, len(alerts))
	for i, a := range alerts {
		at, err := units.ConvertTime(a.At, tz)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		out[i] = AlertAPI{
			SessionID: a.SessionID,
			InAlert:   a.InAlert,
			Band:      a.Band,
			Frequency: units.ConvertFrequency(a.FrequencyGHz, u),
			Units:     u,
			Front:     units.StrengthPercent(a.Front),
			Rear:      units.StrengthPercent(a.Rear),
			Direction: a.Direction,
			At:        at.Format(time.RFC3339),
		}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) || !s.historyDB(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	// ?id= returns one session's sweep table.
	if id := r.URL.Query().Get("id"); id != "" {
		sweeps, err := s.db.SessionSweeps(id)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sweeps: %v", err))
			return
		}
		httputil.WriteJSONOK(w, map[string]interface{}{"session_id": id, "sweeps": sweeps})
		return
	}

	sessions, err := s.db.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) listConnectionEvents(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) || !s.historyDB(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.db.ConnectionEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve connection events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, events)
}
