package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"callscribe/internal/models"
)

// DefaultStageTimeout bounds a single engine call when no timeout is
// configured. A stalled engine must not hold a pipeline run forever.
const DefaultStageTimeout = 2 * time.Minute

// Client talks to the analysis engine service. Each method is a single
// request/response call; retry is a reprocess-level decision, so the
// client never retries on its own.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a stage client for the engine at baseURL.
func NewClient(baseURL string, stageTimeout time.Duration) *Client {
	if stageTimeout <= 0 {
		stageTimeout = DefaultStageTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: stageTimeout},
	}
}

// Transcribe submits raw audio and returns the transcript segments.
func (c *Client) Transcribe(ctx context.Context, audio []byte, fileName string, settings models.ProcessingSettings) ([]models.Segment, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("write audio part: %w", err)
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	if err := w.WriteField("settings", string(settingsJSON)); err != nil {
		return nil, fmt.Errorf("write settings field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var resp struct {
		Segments []models.Segment `json:"segments"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return normalizeSegments(resp.Segments), nil
}

// AnalyzeEvents extracts key events from a transcript.
func (c *Client) AnalyzeEvents(ctx context.Context, segments []models.Segment, settings models.ProcessingSettings) ([]string, error) {
	var resp struct {
		KeyEvents []string `json:"key_events"`
	}
	if err := c.postJSON(ctx, "/analyze-events", segments, settings, &resp); err != nil {
		return nil, err
	}
	return resp.KeyEvents, nil
}

// Summarize produces a natural-language summary of a transcript.
func (c *Client) Summarize(ctx context.Context, segments []models.Segment, settings models.ProcessingSettings) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	if err := c.postJSON(ctx, "/summarize-conversation", segments, settings, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

func (c *Client) postJSON(ctx context.Context, path string, segments []models.Segment, settings models.ProcessingSettings, target interface{}) error {
	payload, err := json.Marshal(struct {
		Segments []models.Segment          `json:"segments"`
		Settings models.ProcessingSettings `json:"settings"`
	}{Segments: segments, Settings: settings})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read engine response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("engine %s: status %d: %s", req.URL.Path, resp.StatusCode, truncate(body, 256))
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

// normalizeSegments orders segments by start time, non-decreasing, and
// drops entries whose end precedes their start. Zero-length utterances
// are tolerated; the engine does not guarantee ordering.
func normalizeSegments(segments []models.Segment) []models.Segment {
	cleaned := make([]models.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.EndTime < seg.StartTime {
			continue
		}
		cleaned = append(cleaned, seg)
	}
	sort.SliceStable(cleaned, func(i, j int) bool {
		return cleaned[i].StartTime < cleaned[j].StartTime
	})
	return cleaned
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
