package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Executor performs actions on the remote desktop.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// DefaultTimeout bounds a single action round trip.
const DefaultTimeout = 30 * time.Second

// Client talks to the computer-control service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the service at baseURL.
// A zero timeout selects DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Execute validates req, sends it, and decodes the response.
// Failures are returned as *Error; a cancelled ctx is returned as is.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	req = Normalize(req)

	body := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		body[k] = v
	}
	body["action"] = string(req.Kind)

	data, err := json.Marshal(body)
	if err != nil {
		return nil, invalid(req.Kind, "encode params: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/computer-use", bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Kind: ErrUnreachable, Action: req.Kind, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransport(req.Kind, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransport(req.Kind, err)
	}
	slog.Debug("action executed", "action", req.Kind, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(req.Kind, resp.StatusCode, raw)
	}
	return decodeResult(req.Kind, raw)
}

func classifyTransport(k Kind, err error) *Error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: ErrTimeout, Action: k, Cause: err}
	}
	return &Error{Kind: ErrUnreachable, Action: k, Cause: err}
}

func classifyStatus(k Kind, status int, body []byte) *Error {
	e := &Error{Action: k, Status: status, Message: errorDetail(body)}
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		e.Kind = ErrUnreachable
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		e.Kind = ErrInvalidParameters
	case http.StatusRequestTimeout:
		e.Kind = ErrTimeout
	default:
		e.Kind = ErrTargetApplication
	}
	return e
}

// errorDetail extracts a FastAPI-style {"detail": ...} message, or the raw body.
func errorDetail(body []byte) string {
	var env struct {
		Detail any `json:"detail"`
		Error  any `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		for _, v := range []any{env.Detail, env.Error} {
			switch d := v.(type) {
			case string:
				return d
			case nil:
			default:
				b, _ := json.Marshal(d)
				return string(b)
			}
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	return s
}

func decodeResult(k Kind, raw []byte) (*Result, error) {
	res := &Result{Kind: k, Payload: map[string]any{}}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return res, nil
	}
	if err := json.Unmarshal(raw, &res.Payload); err != nil {
		return nil, &Error{Kind: ErrTargetApplication, Action: k, Message: fmt.Sprintf("decode response: %v", err)}
	}

	isImage := res.Payload["type"] == "image"
	if s, ok := specs[k]; ok && s.ReturnsImage {
		isImage = isImage || res.Payload["data"] != nil
	}
	if !isImage {
		return res, nil
	}

	data, _ := res.Payload["data"].(string)
	if data == "" {
		return nil, &Error{Kind: ErrTargetApplication, Action: k, Message: "image response without data"}
	}
	format, _ := res.Payload["format"].(string)
	if format == "" {
		format = "png"
	}
	img := &Image{MediaType: "image/" + format, Data: data}
	img.Width, _ = toInt(res.Payload["width"])
	img.Height, _ = toInt(res.Payload["height"])
	res.Image = img
	delete(res.Payload, "data")
	return res, nil
}
