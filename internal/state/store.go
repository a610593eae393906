package state

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// Store is the shared, mutex-guarded published state. Every Sink method is
// applied atomically and the resulting snapshot is fanned out to
// subscribers.
type Store struct {
	mu   sync.Mutex
	data V1Data

	subscriberMu sync.Mutex
	subscribers  map[string]chan V1Data
}

// NewStore returns a Store holding Default().
func NewStore() *Store {
	return &Store{
		data:        Default(),
		subscribers: make(map[string]chan V1Data),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() V1Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func randomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel that receives the state after every update.
// A subscriber that falls behind only ever misses intermediate states: the
// channel holds the most recent one.
func (s *Store) Subscribe() (string, <-chan V1Data) {
	id := randomID()
	ch := make(chan V1Data, 1)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscription.
func (s *Store) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *Store) update(f func(d *V1Data)) {
	s.mu.Lock()
	f(&s.data)
	snap := s.data
	s.mu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		// Replace a stale pending value rather than block the engine.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Store) SetConnectionStatus(connected bool, status string) {
	s.update(func(d *V1Data) { d.SetConnectionStatus(connected, status) })
}

func (s *Store) UpdateAlert(inAlert bool, band string, freqGHz float64, front, rear int) {
	s.update(func(d *V1Data) { d.UpdateAlert(inAlert, band, freqGHz, front, rear) })
}

func (s *Store) UpdateMode(mode string) {
	s.update(func(d *V1Data) { d.UpdateMode(mode) })
}

func (s *Store) UpdateDisplayInfo(strength int) {
	s.update(func(d *V1Data) { d.UpdateDisplayInfo(strength) })
}

func (s *Store) SetLaserAlert(direction string, strength int) {
	s.update(func(d *V1Data) { d.SetLaserAlert(direction, strength) })
}

// Tee forwards every update to each sink in order.
type Tee []Sink

func (t Tee) SetConnectionStatus(connected bool, status string) {
	for _, s := range t {
		s.SetConnectionStatus(connected, status)
	}
}

func (t Tee) UpdateAlert(inAlert bool, band string, freqGHz float64, front, rear int) {
	for _, s := range t {
		s.UpdateAlert(inAlert, band, freqGHz, front, rear)
	}
}

func (t Tee) UpdateMode(mode string) {
	for _, s := range t {
		s.UpdateMode(mode)
	}
}

func (t Tee) UpdateDisplayInfo(strength int) {
	for _, s := range t {
		s.UpdateDisplayInfo(strength)
	}
}

func (t Tee) SetLaserAlert(direction string, strength int) {
	for _, s := range t {
		s.SetLaserAlert(direction, strength)
	}
}

var (
	_ Sink = (*Store)(nil)
	_ Sink = Tee(nil)
)
