package session

import (
	"context"
	"fmt"

	"github.com/banshee-data/v1link/internal/esp"
)

func detectorRequest(id esp.PacketID) esp.Request {
	return esp.Request{ID: id, Destination: esp.DeviceValentineOne}
}

func alertDataRequest(start bool) esp.Request {
	if start {
		return detectorRequest(esp.ReqStartAlertData)
	}
	return detectorRequest(esp.ReqStopAlertData)
}

func (s *session) requestVersion(ctx context.Context) (string, error) {
	pkt, err := s.corr.RequestAndWait(ctx, detectorRequest(esp.ReqVersion), esp.RespVersion, s.m.opts.RequestTimeout)
	if err != nil {
		return "", err
	}
	v, ok := pkt.(esp.VersionResponse)
	if !ok {
		return "", fmt.Errorf("unexpected %T for %s", pkt, esp.ReqVersion)
	}
	return v.Version(), nil
}

func (s *session) requestMaxSweepIndex(ctx context.Context) (int, error) {
	pkt, err := s.corr.RequestAndWait(ctx, detectorRequest(esp.ReqMaxSweepIndex), esp.RespMaxSweepIndex, s.m.opts.RequestTimeout)
	if err != nil {
		return 0, err
	}
	r, ok := pkt.(esp.MaxSweepIndexResponse)
	if !ok {
		return 0, fmt.Errorf("unexpected %T for %s", pkt, esp.ReqMaxSweepIndex)
	}
	return r.MaxIndex(), nil
}

func (s *session) requestSweeps(ctx context.Context) ([]esp.SweepDefinition, error) {
	maxIndex, err := s.requestMaxSweepIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("max sweep index: %w", err)
	}
	pkts, err := s.corr.Collect(ctx, detectorRequest(esp.ReqAllSweepDefinitions), esp.RespSweepDefinition,
		maxIndex+1, s.m.opts.BulkTimeout, func(p esp.Packet) (int, bool) {
			r, ok := p.(esp.SweepDefinitionResponse)
			return r.Sweep.Index, ok
		})
	if err != nil {
		return nil, err
	}
	sweeps := make([]esp.SweepDefinition, 0, len(pkts))
	for _, p := range pkts {
		sweeps = append(sweeps, p.(esp.SweepDefinitionResponse).Sweep)
	}
	return sweeps, nil
}

func (m *Manager) current() (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil, esp.ErrNotConnected
	}
	return m.cur, nil
}

// RequestVersion asks the detector for its firmware version, e.g. "V3.8950".
func (m *Manager) RequestVersion(ctx context.Context) (string, error) {
	s, err := m.current()
	if err != nil {
		return "", err
	}
	return s.requestVersion(ctx)
}

// RequestMaxSweepIndex asks for the highest custom sweep index.
func (m *Manager) RequestMaxSweepIndex(ctx context.Context) (int, error) {
	s, err := m.current()
	if err != nil {
		return 0, err
	}
	return s.requestMaxSweepIndex(ctx)
}

// RequestSweeps reads every custom sweep definition, ordered by index.
func (m *Manager) RequestSweeps(ctx context.Context) ([]esp.SweepDefinition, error) {
	s, err := m.current()
	if err != nil {
		return nil, err
	}
	return s.requestSweeps(ctx)
}

// StartAlertData asks the detector to stream its alert table.
func (m *Manager) StartAlertData(ctx context.Context) error {
	return m.Send(ctx, alertDataRequest(true))
}

// StopAlertData stops the alert table stream.
func (m *Manager) StopAlertData(ctx context.Context) error {
	return m.Send(ctx, alertDataRequest(false))
}

// Send transmits req without waiting for a reply. It waits for the flow
// gate like every other request.
func (m *Manager) Send(ctx context.Context, req esp.Request) error {
	s, err := m.current()
	if err != nil {
		return err
	}
	return s.corr.Send(ctx, req)
}
