package link

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/v1link/internal/esp"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendRequestTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-request.html.tmpl"))

// subscriberBuffer is how many frames a slow subscriber may fall behind
// before frames are dropped for it.
const subscriberBuffer = 32

// FrameMux fans every decoded frame out to any number of subscribers. Slow
// subscribers miss frames rather than stall the notification path.
type FrameMux struct {
	mu          sync.Mutex
	subscribers map[string]chan esp.Frame
	closing     bool
}

// NewFrameMux returns a mux with no subscribers.
func NewFrameMux() *FrameMux {
	return &FrameMux{subscribers: make(map[string]chan esp.Frame)}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a channel receiving every published frame. The ID is
// used to unsubscribe. After Close the returned channel is already closed.
func (m *FrameMux) Subscribe() (string, <-chan esp.Frame) {
	id := randomID()
	ch := make(chan esp.Frame, subscriberBuffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes the channel registered under id.
func (m *FrameMux) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Publish hands f to every subscriber. The frame is copied, so the caller
// may reuse its buffers once Publish returns.
func (m *FrameMux) Publish(f esp.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing || len(m.subscribers) == 0 {
		return
	}
	f = cloneFrame(f)
	for _, ch := range m.subscribers {
		select {
		case ch <- f:
		default:
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (m *FrameMux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
}

func cloneFrame(f esp.Frame) esp.Frame {
	raw := append([]byte(nil), f.Raw...)
	if len(f.Payload) > 0 && len(raw) >= 5+len(f.Payload) {
		f.Payload = raw[5 : 5+len(f.Payload)]
	} else {
		f.Payload = append([]byte(nil), f.Payload...)
	}
	f.Raw = raw
	return f
}

// SendFunc transmits a request to the connected detector.
type SendFunc func(ctx context.Context, req esp.Request) error

// ParseRequest builds a request from a packet id and an optional hex
// payload, as typed into the admin form. The id accepts decimal or 0x hex.
func ParseRequest(id, payload string) (esp.Request, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(id), 0, 8)
	if err != nil {
		return esp.Request{}, fmt.Errorf("bad packet id %q: %w", id, err)
	}
	payload = strings.ReplaceAll(strings.TrimSpace(payload), " ", "")
	body, err := hex.DecodeString(payload)
	if err != nil {
		return esp.Request{}, fmt.Errorf("bad payload %q: %w", payload, err)
	}
	if len(body) > 0xFE {
		return esp.Request{}, fmt.Errorf("payload of %d bytes is too long", len(body))
	}
	return esp.Request{ID: esp.PacketID(n), Destination: esp.DeviceValentineOne, Payload: body}, nil
}

// AttachAdminRoutes attaches the frame tail and raw request debugging
// endpoints to mux under /debug/. These routes are accessible only over
// localhost/via Tailscale and are not publicly accessible.
func (m *FrameMux) AttachAdminRoutes(mux *http.ServeMux, send SendFunc) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-request", "send a raw ESP request to the detector", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendRequestTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-request-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		req, err := ParseRequest(r.FormValue("id"), r.FormValue("payload"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := send(r.Context(), req); err != nil {
			http.Error(w, fmt.Sprintf("Failed to send request: %v", err), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "Sent %s to %s", req.ID, req.Destination)
	})

	// Server-Sent Events, one per decoded frame.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, frames := m.Subscribe()
		defer m.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case f, ok := <-frames:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", f); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
