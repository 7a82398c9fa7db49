package detect

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDetectSendsBoundsAndDecodesDetections(t *testing.T) {
	var gotQuery map[string]string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/detect", r.URL.Path)
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		gotBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(detectResponse{Detections: []Detection{
			{Label: "person", Score: 0.91, Box: [4]float64{0.1, 0.2, 0.8, 0.7}},
		}})
	}))
	defer srv.Close()

	imgPath := filepath.Join(t.TempDir(), "image1.jpg")
	require.NoError(t, os.WriteFile(imgPath, []byte("jpeg-bytes"), 0o644))

	c := NewClient(srv.URL, Params{
		Threshold:             0.3,
		MaxOverlapping:        0.5,
		MaxObjects:            20,
		MinInferenceDimension: 512,
		MaxInferenceDimension: 1024,
	}, testLogger())

	dets, err := c.Detect(context.Background(), imgPath)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].Label)
	assert.Equal(t, "jpeg-bytes", string(gotBody))
	assert.Equal(t, "0.3", gotQuery["threshold"])
	assert.Equal(t, "0.5", gotQuery["max_overlapping"])
	assert.Equal(t, "20", gotQuery["max_objects"])
	assert.Equal(t, "512", gotQuery["min_dimension"])
	assert.Equal(t, "1024", gotQuery["max_dimension"])
}

func TestDetectReportsSidecarErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	imgPath := filepath.Join(t.TempDir(), "image1.jpg")
	require.NoError(t, os.WriteFile(imgPath, []byte("x"), 0o644))

	c := NewClient(srv.URL, Params{}, testLogger())
	_, err := c.Detect(context.Background(), imgPath)
	assert.ErrorContains(t, err, "503")
}

func TestDetectMissingImage(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", Params{}, testLogger())
	_, err := c.Detect(context.Background(), "/nonexistent/image.jpg")
	assert.Error(t, err)
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Params{}, testLogger())
	assert.True(t, c.Probe(context.Background()))

	srv.Close()
	assert.False(t, c.Probe(context.Background()))
}

func TestEnsureLabelMapDownloadsAndSkips(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"1":"person"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "assets", "label_map.json")
	ctx := context.Background()

	require.NoError(t, EnsureLabelMap(ctx, srv.URL, path, false, testLogger()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":"person"}`, string(data))
	assert.Equal(t, 1, hits)

	// Present and not forced: no second download.
	require.NoError(t, EnsureLabelMap(ctx, srv.URL, path, false, testLogger()))
	assert.Equal(t, 1, hits)

	require.NoError(t, EnsureLabelMap(ctx, srv.URL, path, true, testLogger()))
	assert.Equal(t, 2, hits)
}
