package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/EasyDarwin/EasyCapture/log"
)

const (
	TypeVideoDescription = "video_description_extraction"
	InputTypeVideo       = "video"
	APIKeyHeader         = "X-API-Key"

	// StartTimeLayout is the wire format of Params.VideoStartTime.
	StartTimeLayout = "2006-01-02T15:04:05Z"
)

type Params struct {
	VideoStartTime string `json:"video_start_time"`
	UserID         string `json:"user_id"`
	CameraID       string `json:"camera_id"`
}

// Request is the body of POST <base>/jobs.
type Request struct {
	Type      string `json:"type"`
	InputType string `json:"input_type"`
	InputURL  string `json:"input_url"`
	Params    Params `json:"params"`
}

func NewVideoDescriptionRequest(inputURL string, start time.Time, ownerID, cameraID string) Request {
	return Request{
		Type:      TypeVideoDescription,
		InputType: InputTypeVideo,
		InputURL:  inputURL,
		Params: Params{
			VideoStartTime: start.UTC().Format(StartTimeLayout),
			UserID:         ownerID,
			CameraID:       cameraID,
		},
	}
}

// StatusError is returned for any non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("jobs api returned %d: %s", e.Code, e.Body)
}

type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

func NewClient(base, apiKey string, timeout time.Duration) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

// Register submits one job. It does not retry; the caller owns retries.
func (c *Client) Register(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/jobs", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(APIKeyHeader, c.apiKey)
	}
	if err := c.do(httpReq); err != nil {
		return err
	}
	log.NewLogger(req.InputURL, log.JobId).Debugf("registered %s job", req.Type)
	return nil
}

// Healthz probes <base>/healthz.
func (c *Client) Healthz(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
