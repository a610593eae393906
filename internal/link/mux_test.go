package link

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/testutil"
)

func versionFrame(t *testing.T) esp.Frame {
	t.Helper()
	raw := esp.EncodeFrame(esp.RespVersion, esp.DeviceV1Connection, esp.DeviceValentineOne, []byte("V4.1027\x00"), true)
	f, err := esp.Decode(raw)
	require.NoError(t, err)
	return f
}

func TestFrameMux_PublishCopies(t *testing.T) {
	m := NewFrameMux()
	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	f := versionFrame(t)
	m.Publish(f)
	for i := range f.Raw {
		f.Raw[i] = 0
	}

	got := <-ch
	assert.Equal(t, esp.RespVersion, got.PacketID)
	assert.Equal(t, "V4.1027\x00", string(got.Payload[:8]))
	assert.Equal(t, esp.SOF, got.Raw[0])
}

func TestFrameMux_SlowSubscriberDrops(t *testing.T) {
	m := NewFrameMux()
	_, ch := m.Subscribe()
	f := versionFrame(t)
	for i := 0; i < subscriberBuffer+10; i++ {
		m.Publish(f)
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestFrameMux_UnsubscribeAndClose(t *testing.T) {
	m := NewFrameMux()
	id, ch := m.Subscribe()
	m.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after Unsubscribe")
	m.Unsubscribe(id)

	_, ch2 := m.Subscribe()
	m.Close()
	_, ok = <-ch2
	assert.False(t, ok, "channel should be closed after Close")

	_, ch3 := m.Subscribe()
	_, ok = <-ch3
	assert.False(t, ok, "subscribing after Close should return a closed channel")
	m.Publish(versionFrame(t))
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest("0x41", "")
	require.NoError(t, err)
	assert.Equal(t, esp.ReqStartAlertData, req.ID)
	assert.Equal(t, esp.DeviceValentineOne, req.Destination)
	assert.Empty(t, req.Payload)

	req, err = ParseRequest("1", "de ad")
	require.NoError(t, err)
	assert.Equal(t, esp.ReqVersion, req.ID)
	assert.Equal(t, []byte{0xDE, 0xAD}, req.Payload)

	for _, tc := range []struct{ id, payload string }{
		{"", ""},
		{"0x100", ""},
		{"x", ""},
		{"1", "zz"},
		{"1", "abc"},
		{"1", strings.Repeat("00", 0xFF)},
	} {
		_, err := ParseRequest(tc.id, tc.payload)
		assert.Error(t, err, "ParseRequest(%q, %q)", tc.id, tc.payload)
	}
}

func TestAttachAdminRoutes_SendRequestAPI(t *testing.T) {
	var sent []esp.Request
	send := func(_ context.Context, req esp.Request) error {
		if req.ID == esp.ReqStopAlertData {
			return errors.New("not connected")
		}
		sent = append(sent, req)
		return nil
	}
	m := NewFrameMux()
	httpMux := http.NewServeMux()
	m.AttachAdminRoutes(httpMux, send)

	tests := []struct {
		name       string
		method     string
		form       url.Values
		wantStatus int
		wantBody   string
	}{
		{"valid", http.MethodPost, url.Values{"id": {"0x01"}}, http.StatusOK, "Sent reqVersion to ValentineOne"},
		{"bad id", http.MethodPost, url.Values{"id": {"nope"}}, http.StatusBadRequest, "bad packet id"},
		{"send fails", http.MethodPost, url.Values{"id": {"0x42"}}, http.StatusServiceUnavailable, "not connected"},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewTestRequestWithBody(tt.method, "/debug/send-request-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
	require.Len(t, sent, 1)
	assert.Equal(t, esp.ReqVersion, sent[0].ID)
}

func TestAttachAdminRoutes_StaticPages(t *testing.T) {
	m := NewFrameMux()
	httpMux := http.NewServeMux()
	m.AttachAdminRoutes(httpMux, func(context.Context, esp.Request) error { return nil })

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, testutil.NewTestRequest(http.MethodGet, "/debug/send-request"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Send ESP request")

	w = httptest.NewRecorder()
	httpMux.ServeHTTP(w, testutil.NewTestRequest(http.MethodGet, "/debug/tail.js"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/javascript", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "EventSource")
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	m := NewFrameMux()
	httpMux := http.NewServeMux()
	m.AttachAdminRoutes(httpMux, func(context.Context, esp.Request) error { return nil })

	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	// The subscription exists once the ping has been flushed.
	f := versionFrame(t)
	go func() {
		for ctx.Err() == nil {
			m.Publish(f)
			time.Sleep(10 * time.Millisecond)
		}
	}()
	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	assert.Contains(t, line, "respVersion")
}
