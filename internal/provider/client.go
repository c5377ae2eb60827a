package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

// Client is a bearer-token JSON client with retries on network errors and
// 5xx responses.
type Client struct {
	Retryable *retryablehttp.Client
	baseURL   string
	token     string
	provider  string
}

// NewClient returns a Client rooted at baseURL.
func NewClient(provider, baseURL, token string, cfg Config) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	}
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 60 * time.Second
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	rc.Logger = zapLeveled{l: logger.L().With(zap.String("provider", provider)).Sugar()}
	return &Client{
		Retryable: rc,
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		provider:  provider,
	}
}

// Request describes one API call.
type Request struct {
	Method      string
	Path        string
	Query       map[string]string
	Body        any
	RawBody     []byte
	ContentType string
	Header      map[string]string
}

// Do performs req and decodes a JSON response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	var body []byte
	contentType := req.ContentType
	switch {
	case req.RawBody != nil:
		body = req.RawBody
	case req.Body != nil:
		b, err := json.Marshal(req.Body)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "encode provider request failed")
		}
		body = b
		if contentType == "" {
			contentType = "application/json"
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, err := retryablehttp.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, reader)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "build provider request failed")
	}
	if len(req.Query) > 0 {
		q := r.URL.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		r.URL.RawQuery = q.Encode()
	}
	r.Header.Set("Authorization", "Bearer "+c.token)
	r.Header.Set("Accept", "application/json")
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Header {
		r.Header.Set(k, v)
	}

	resp, err := c.Retryable.Do(r)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, fmt.Sprintf("%s %s %s failed", c.provider, req.Method, req.Path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, c.provider+" response read failed")
	}
	if resp.StatusCode >= 300 {
		return c.statusError(req, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return appErr.Wrap(err, appErr.CodeProviderFailed, c.provider+" returned malformed JSON")
	}
	return nil
}

func (c *Client) statusError(req Request, status int, body []byte) error {
	msg := fmt.Sprintf("%s %s %s returned %d", c.provider, req.Method, req.Path, status)
	if detail := strings.TrimSpace(string(body)); detail != "" {
		if len(detail) > 512 {
			detail = detail[:512]
		}
		msg += ": " + detail
	}
	var code appErr.Code
	switch {
	case status == http.StatusNotFound:
		code = appErr.CodeNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = appErr.CodeUnauthorized
	case status == http.StatusTooManyRequests || status >= 500:
		code = appErr.CodeUnavailable
	default:
		code = appErr.CodeProviderFailed
	}
	return appErr.New(code, msg).WithMeta("status", status)
}

type zapLeveled struct{ l *zap.SugaredLogger }

func (z zapLeveled) Error(msg string, kv ...interface{}) { z.l.Errorw(msg, kv...) }
func (z zapLeveled) Info(msg string, kv ...interface{})  { z.l.Debugw(msg, kv...) }
func (z zapLeveled) Debug(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
func (z zapLeveled) Warn(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }
