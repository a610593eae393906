package db

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/link"
	"github.com/banshee-data/v1link/internal/monitoring"
	"github.com/banshee-data/v1link/internal/state"
	"github.com/banshee-data/v1link/internal/timeutil"
)

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// alertKey identifies an alert for transition detection. Strength changes
// within one alert are not logged.
type alertKey struct {
	inAlert bool
	band    string
	freqGHz float64
}

// recordQueueSize bounds the writes waiting for the database.
const recordQueueSize = 256

// record is one queued write. A record with a non-nil flushed channel is a
// barrier: the writer closes it once every earlier write has run.
type record struct {
	what    string
	query   string
	args    []interface{}
	flushed chan struct{}
}

// Recorder logs engine events to the database. It is a state.Sink that
// forwards every update to the next sink, and a session observer that
// opens and closes session rows. Rows are queued and written by a
// background goroutine so the notification path never waits on sqlite.
// Database failures and queue overflow are logged and never reach the
// engine.
type Recorder struct {
	db    *DB
	next  state.Sink
	clock timeutil.Clock

	queue chan record
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	sessionID string
	last      alertKey
}

// NewRecorder returns a recorder writing to db and forwarding to next,
// which may be nil. Close stops its writer.
func NewRecorder(db *DB, next state.Sink, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r := &Recorder{
		db:    db,
		next:  next,
		clock: clock,
		queue: make(chan record, recordQueueSize),
		done:  make(chan struct{}),
		last:  alertKey{band: state.BandNA},
	}
	go r.writer()
	return r
}

func (r *Recorder) writer() {
	defer close(r.done)
	for rec := range r.queue {
		if rec.flushed != nil {
			close(rec.flushed)
			continue
		}
		if _, err := r.db.Exec(rec.query, rec.args...); err != nil {
			monitoring.Logf("db: record %s: %v", rec.what, err)
		}
	}
}

// Flush blocks until every write queued before it has run.
func (r *Recorder) Flush() {
	flushed := make(chan struct{})
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue <- record{flushed: flushed}
	r.mu.Unlock()
	<-flushed
}

// Close drains queued writes and stops the writer. Later events still reach
// the next sink but are not recorded.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

// SessionID returns the id of the open session, or "" between sessions.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Recorder) session() sql.NullString {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sql.NullString{String: r.sessionID, Valid: r.sessionID != ""}
}

// exec queues a write without blocking. When the queue is full the row is
// dropped.
func (r *Recorder) exec(what, query string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- record{what: what, query: query, args: args}:
	default:
		monitoring.Logf("db: record queue full, dropping %s", what)
	}
}

// Connected opens a session row for dev.
func (r *Recorder) Connected(transport string, dev link.Device) {
	id := uuid.NewString()
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
	r.exec("session", `INSERT INTO sessions (session_id, transport, address, device_name, started_unix) VALUES (?, ?, ?, ?, ?)`,
		id, transport, dev.Address, dev.Name, unixSeconds(r.clock.Now()))
}

// SelfTest stores the firmware version and sweep table of the open session.
func (r *Recorder) SelfTest(firmware string, sweeps []esp.SweepDefinition) {
	id := r.session()
	if !id.Valid {
		return
	}
	r.exec("firmware", `UPDATE sessions SET firmware = ? WHERE session_id = ?`, firmware, id)
	for _, s := range sweeps {
		r.exec("sweep", `INSERT OR REPLACE INTO sweeps (session_id, sweep_index, lower_mhz, upper_mhz, commit_flag) VALUES (?, ?, ?, ?, ?)`,
			id, s.Index, s.LowerMHz, s.UpperMHz, s.Commit)
	}
}

// Disconnected closes the open session row.
func (r *Recorder) Disconnected(reason error) {
	r.mu.Lock()
	id := r.sessionID
	r.sessionID = ""
	r.mu.Unlock()
	if id == "" {
		return
	}
	var why sql.NullString
	if reason != nil {
		why = sql.NullString{String: reason.Error(), Valid: true}
	}
	r.exec("session end", `UPDATE sessions SET ended_unix = ?, end_reason = ? WHERE session_id = ?`,
		unixSeconds(r.clock.Now()), why, id)
}

func (r *Recorder) SetConnectionStatus(connected bool, status string) {
	if r.next != nil {
		r.next.SetConnectionStatus(connected, status)
	}
	if !connected {
		r.mu.Lock()
		r.last = alertKey{band: state.BandNA}
		r.mu.Unlock()
	}
	r.exec("connection event", `INSERT INTO connection_events (session_id, connected, status, event_unix) VALUES (?, ?, ?, ?)`,
		r.session(), connected, status, unixSeconds(r.clock.Now()))
}

func (r *Recorder) UpdateAlert(inAlert bool, band string, freqGHz float64, front, rear int) {
	if r.next != nil {
		r.next.UpdateAlert(inAlert, band, freqGHz, front, rear)
	}
	direction := state.DirectionNA
	if inAlert {
		direction = state.DeriveDirection(front, rear)
	}
	r.recordAlert(alertKey{inAlert: inAlert, band: band, freqGHz: freqGHz}, front, rear, direction)
}

func (r *Recorder) UpdateMode(mode string) {
	if r.next != nil {
		r.next.UpdateMode(mode)
	}
}

func (r *Recorder) UpdateDisplayInfo(strength int) {
	if r.next != nil {
		r.next.UpdateDisplayInfo(strength)
	}
}

func (r *Recorder) SetLaserAlert(direction string, strength int) {
	if r.next != nil {
		r.next.SetLaserAlert(direction, strength)
	}
	r.recordAlert(alertKey{inAlert: true, band: state.BandLaser}, 0, 0, direction)
}

// recordAlert writes a row when key differs from the last alert logged.
func (r *Recorder) recordAlert(key alertKey, front, rear int, direction string) {
	r.mu.Lock()
	if key == r.last {
		r.mu.Unlock()
		return
	}
	r.last = key
	id := sql.NullString{String: r.sessionID, Valid: r.sessionID != ""}
	r.mu.Unlock()

	r.exec("alert", `INSERT INTO alerts (session_id, in_alert, band, frequency_ghz, front, rear, direction, alert_unix) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, key.inAlert, key.band, key.freqGHz, front, rear, direction, unixSeconds(r.clock.Now()))
}

var _ state.Sink = (*Recorder)(nil)
