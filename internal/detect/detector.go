// Package detect talks to the object-recognition sidecar. The model and
// its numeric inference live behind an HTTP interface; this package only
// moves images in and detection lists out.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Detection is one recognized object. Box is normalized
// [ymin, xmin, ymax, xmax] in the 0..1 range.
type Detection struct {
	Label string     `json:"label"`
	Score float64    `json:"score"`
	Box   [4]float64 `json:"box"`
}

// Params bound the inference request.
type Params struct {
	Threshold             float64
	MaxOverlapping        float64
	MaxObjects            int
	MinInferenceDimension int
	MaxInferenceDimension int
}

// Client posts raw image bytes and decodes the detection list.
type Client struct {
	base   string
	params Params
	hc     *http.Client
	logger *slog.Logger
}

func NewClient(baseURL string, params Params, logger *slog.Logger) *Client {
	return &Client{
		base:   baseURL,
		params: params,
		hc:     &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

type detectResponse struct {
	Detections []Detection `json:"detections"`
}

func (c *Client) Detect(ctx context.Context, imagePath string) ([]Detection, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/detect", f)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	q := req.URL.Query()
	q.Set("threshold", strconv.FormatFloat(c.params.Threshold, 'f', -1, 64))
	q.Set("max_overlapping", strconv.FormatFloat(c.params.MaxOverlapping, 'f', -1, 64))
	if c.params.MaxObjects > 0 {
		q.Set("max_objects", strconv.Itoa(c.params.MaxObjects))
	}
	if c.params.MinInferenceDimension > 0 {
		q.Set("min_dimension", strconv.Itoa(c.params.MinInferenceDimension))
	}
	if c.params.MaxInferenceDimension > 0 {
		q.Set("max_dimension", strconv.Itoa(c.params.MaxInferenceDimension))
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned %s", resp.Status)
	}

	var body detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding detections: %w", err)
	}
	return body.Detections, nil
}

// Probe reports whether the sidecar answers its health endpoint.
func (c *Client) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
