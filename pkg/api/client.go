package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/kestrel-video/agent/internal/httputil"
)

// MaxIngestBody caps a single multipart /ingest request.
const MaxIngestBody = 2 * 1024 * 1024

// ErrNotFound is returned when the store does not know the session.
var ErrNotFound = errors.New("api: session not found")

// ErrTooLarge is returned before sending when a frame would exceed
// MaxIngestBody.
var ErrTooLarge = errors.New("api: ingest body too large")

// StatusError is a non-retryable store response outside the happy path.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: store returned %d: %s", e.Code, e.Message)
}

// Client talks to the session store. All methods retry transient failures;
// 4xx responses are terminal.
type Client struct {
	baseURL string
	http    *http.Client
	retry   httputil.RetryConfig
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		retry:   httputil.DefaultRetryConfig(),
	}
}

// SetRetry overrides the retry policy, mainly for tests and the ingester
// which runs its own queueing on top.
func (c *Client) SetRetry(cfg httputil.RetryConfig) { c.retry = cfg }

// OpenSession creates a session. Calling it again with the same SessionID
// returns the existing record unchanged.
func (c *Client) OpenSession(ctx context.Context, req OpenRequest) (*SessionRecord, error) {
	var rec SessionRecord
	if err := c.postJSON(ctx, "/sessions/open", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CloseSession closes a session. Returns ErrNotFound for an unknown id.
func (c *Client) CloseSession(ctx context.Context, req CloseRequest) error {
	return c.postJSON(ctx, "/sessions/close", req, nil)
}

// UpsertDetections batch-upserts per-track detection snapshots.
func (c *Client) UpsertDetections(ctx context.Context, req DetectionsRequest) (*DetectionsResponse, error) {
	var resp DetectionsResponse
	if err := c.postJSON(ctx, "/detections", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IngestFrame uploads one frame with its detections as multipart form data.
// The body is assembled up front so retries can replay it.
func (c *Client) IngestFrame(ctx context.Context, meta IngestMeta, frame []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaHdr := make(textproto.MIMEHeader)
	metaHdr.Set("Content-Disposition", `form-data; name="meta"`)
	metaHdr.Set("Content-Type", "application/json")
	part, err := w.CreatePart(metaHdr)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(part).Encode(meta); err != nil {
		return err
	}

	part, err = w.CreateFormFile("frame", fmt.Sprintf("%08d.bin", meta.SeqNo))
	if err != nil {
		return err
	}
	if _, err := part.Write(frame); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if buf.Len() > MaxIngestBody {
		return ErrTooLarge
	}

	headers := http.Header{"Content-Type": []string{w.FormDataContentType()}}
	resp, err := httputil.Do(ctx, c.http, http.MethodPost, c.baseURL+"/ingest", buf.Bytes(), headers, c.retry)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) postJSON(ctx context.Context, path string, req any, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	headers := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := httputil.Do(ctx, c.http, http.MethodPost, c.baseURL+path, body, headers, c.retry)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	var body ErrorResponse
	msg := ""
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		msg = body.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
