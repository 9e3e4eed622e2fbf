package livemonitor

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	s := NewServer(Config{StatusInterval: 20 * time.Millisecond}, m)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts, m
}

func openStream(t *testing.T, url string, accept string) (*http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})
	return resp, cancel
}

// readSSEData returns the payload of the next data event, skipping comments.
func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			return payload
		}
	}
}

func sampleRecords() []types.Detection {
	return []types.Detection{{
		ID:         "d-1",
		FrameIndex: 5,
		Image:      "detected/frame_5.jpg",
		BBox:       types.BBox{X1: 1, Y1: 2, X2: 30, Y2: 40},
		Confidence: 0.9,
		Label:      "pothole",
		Position:   types.Position{Latitude: 47.39, Longitude: 8.54},
	}}
}

func TestIndexServesHTML(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), `src="/stream"`)
}

func TestStatusReportsCountersAndHistory(t *testing.T) {
	s, ts, m := newTestServer(t)
	s.Monitor().SetRun("20250101_120000")
	m.FramesRead.Store(10)
	m.UpdateMissionProgress(2, 3)
	s.PublishFrame(5, nil)
	s.PublishDetections(5, time.Unix(100, 0), sampleRecords())

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "20250101_120000", status.Run)
	assert.Equal(t, uint64(10), status.Counters.FramesRead)
	assert.Equal(t, MissionView{Current: 2, Total: 3}, status.Mission)
	require.NotNil(t, status.LastFrameIndex)
	assert.Equal(t, uint64(5), *status.LastFrameIndex)
	require.Len(t, status.DetectionHistory, 1)
	assert.Equal(t, "pothole", status.DetectionHistory[0].Detections[0].Label)
	assert.Equal(t, 100.0, status.DetectionHistory[0].Timestamp)
}

func TestStatusStreamTicks(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, _ := openStream(t, ts.URL+"/api/status/stream", "")
	r := bufio.NewReader(resp.Body)

	for range 2 {
		var status Status
		require.NoError(t, json.Unmarshal([]byte(readSSEData(t, r)), &status))
	}
}

func TestDetectionsStreamJSON(t *testing.T) {
	s, ts, _ := newTestServer(t)
	s.Monitor().SetRun("run-a")
	resp, _ := openStream(t, ts.URL+"/api/detections/stream", "")
	assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))

	require.Eventually(t, func() bool { return s.detections.Clients() == 1 }, time.Second, 5*time.Millisecond)
	s.PublishDetections(7, time.Now(), nil) // empty events are not streamed
	s.PublishDetections(5, time.Now(), sampleRecords())

	var event DetectionEvent
	require.NoError(t, json.Unmarshal([]byte(readSSEData(t, bufio.NewReader(resp.Body))), &event))
	assert.Equal(t, "run-a", event.Run)
	assert.Equal(t, uint64(5), event.FrameIndex)
	require.Len(t, event.Detections, 1)
	assert.Equal(t, "detected/frame_5.jpg", event.Detections[0].Image)
	assert.InDelta(t, 47.39, event.Detections[0].Latitude, 1e-9)
}

func TestDetectionsStreamProtobuf(t *testing.T) {
	s, ts, _ := newTestServer(t)
	resp, _ := openStream(t, ts.URL+"/api/detections/stream", "application/x-protobuf")
	assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))

	require.Eventually(t, func() bool { return s.detections.Clients() == 1 }, time.Second, 5*time.Millisecond)
	s.PublishDetections(5, time.Now(), sampleRecords())

	payload := readSSEData(t, bufio.NewReader(resp.Body))
	assert.False(t, strings.HasPrefix(payload, "{"), "protobuf payload is base64, not JSON")
}

func TestStreamDeliversJPEGParts(t *testing.T) {
	s, ts, _ := newTestServer(t)
	resp, _ := openStream(t, ts.URL+"/stream", "")
	assert.Contains(t, resp.Header.Get("Content-Type"), "multipart/x-mixed-replace")

	require.Eventually(t, func() bool { return s.frames.Clients() == 1 }, time.Second, 5*time.Millisecond)
	s.PublishFrame(0, image.NewRGBA(image.Rect(0, 0, 64, 48)))

	r := bufio.NewReader(resp.Body)
	for _, want := range []string{"--frame", "Content-Type: image/jpeg", ""} {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, want, strings.TrimRight(line, "\r\n"))
	}
	img, err := jpeg.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := NewServer(Config{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
