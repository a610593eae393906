package db

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/v1link/internal/esp"
)

// DefaultHistoryLimit caps history queries when no limit is given.
const DefaultHistoryLimit = 100

// fromUnix converts stored unix seconds back to a UTC time, rounded to the
// microsecond the column can hold.
func fromUnix(s float64) time.Time {
	return time.UnixMicro(int64(math.Round(s * 1e6))).UTC()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultHistoryLimit
	}
	return limit
}

// AlertEvent is one logged alert transition. InAlert false marks the end
// of an alert.
type AlertEvent struct {
	SessionID    string    `json:"session_id,omitempty"`
	InAlert      bool      `json:"in_alert"`
	Band         string    `json:"band"`
	FrequencyGHz float64   `json:"frequency_ghz"`
	Front        int       `json:"front"`
	Rear         int       `json:"rear"`
	Direction    string    `json:"direction"`
	At           time.Time `json:"at"`
}

func (e *AlertEvent) String() string {
	if !e.InAlert {
		return fmt.Sprintf("%s clear", e.At.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s %s %.3f GHz %s front=%d rear=%d", e.At.Format(time.RFC3339), e.Band, e.FrequencyGHz, e.Direction, e.Front, e.Rear)
}

// RecentAlerts returns up to limit alert transitions, newest first.
func (db *DB) RecentAlerts(limit int) ([]AlertEvent, error) {
	rows, err := db.Query(`SELECT session_id, in_alert, band, frequency_ghz, front, rear, direction, alert_unix
		FROM alerts ORDER BY alert_unix DESC, alert_id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []AlertEvent{}
	for rows.Next() {
		var (
			e       AlertEvent
			session sql.NullString
			at      float64
		)
		if err := rows.Scan(&session, &e.InAlert, &e.Band, &e.FrequencyGHz, &e.Front, &e.Rear, &e.Direction, &at); err != nil {
			return nil, err
		}
		e.SessionID = session.String
		e.At = fromUnix(at)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Session is one logged connection.
type Session struct {
	ID         string     `json:"session_id"`
	Transport  string     `json:"transport"`
	Address    string     `json:"address"`
	DeviceName string     `json:"device_name"`
	Firmware   string     `json:"firmware"`
	Started    time.Time  `json:"started"`
	Ended      *time.Time `json:"ended,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	Alerts     int        `json:"alerts"`
}

// Sessions returns up to limit sessions, most recently started first, with
// the number of alerts raised during each.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(`SELECT s.session_id, s.transport, s.address, s.device_name, s.firmware,
			s.started_unix, s.ended_unix, s.end_reason,
			(SELECT COUNT(*) FROM alerts a WHERE a.session_id = s.session_id AND a.in_alert = 1)
		FROM sessions s ORDER BY s.started_unix DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var (
			s       Session
			started float64
			ended   sql.NullFloat64
			reason  sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Transport, &s.Address, &s.DeviceName, &s.Firmware, &started, &ended, &reason, &s.Alerts); err != nil {
			return nil, err
		}
		s.Started = fromUnix(started)
		if ended.Valid {
			t := fromUnix(ended.Float64)
			s.Ended = &t
		}
		s.EndReason = reason.String
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SessionSweeps returns the sweep table read during a session's self-test,
// ordered by index.
func (db *DB) SessionSweeps(sessionID string) ([]esp.SweepDefinition, error) {
	rows, err := db.Query(`SELECT sweep_index, commit_flag, lower_mhz, upper_mhz
		FROM sweeps WHERE session_id = ? ORDER BY sweep_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sweeps := []esp.SweepDefinition{}
	for rows.Next() {
		var s esp.SweepDefinition
		if err := rows.Scan(&s.Index, &s.Commit, &s.LowerMHz, &s.UpperMHz); err != nil {
			return nil, err
		}
		sweeps = append(sweeps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sweeps, nil
}

// ConnectionEvent is one logged link status change.
type ConnectionEvent struct {
	SessionID string    `json:"session_id,omitempty"`
	Connected bool      `json:"connected"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// ConnectionEvents returns up to limit status changes, newest first.
func (db *DB) ConnectionEvents(limit int) ([]ConnectionEvent, error) {
	rows, err := db.Query(`SELECT session_id, connected, status, event_unix
		FROM connection_events ORDER BY event_unix DESC, event_id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []ConnectionEvent{}
	for rows.Next() {
		var (
			e       ConnectionEvent
			session sql.NullString
			at      float64
		)
		if err := rows.Scan(&session, &e.Connected, &e.Status, &at); err != nil {
			return nil, err
		}
		e.SessionID = session.String
		e.At = fromUnix(at)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
