// Package proxy forwards admin requests to upstream platform services and
// relays their answers. Forward never returns an error: transport failures
// are folded into a 502 or 504 response so callers can relay unconditionally.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout applies when a Request sets none.
const DefaultTimeout = 30 * time.Second

// StreamCeiling bounds a Stream regardless of how long the upstream keeps
// the connection open.
const StreamCeiling = 10 * time.Minute

// Detail is the standard body for gateway failures.
type Detail struct {
	Detail string `json:"detail"`
}

// Request describes one upstream call. Body, when non-nil, is JSON-encoded.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	Timeout time.Duration
}

// Response is the upstream answer. Data is a json.RawMessage for JSON
// responses, a string for anything else, or a Detail for gateway failures.
type Response struct {
	Status  int
	Data    any
	Headers http.Header
}

var client = &http.Client{}

// Forward performs req and negotiates the response body by content type.
func Forward(ctx context.Context, req Request) Response {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := do(ctx, req)
	if err != nil {
		return failure(ctx, req, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(ctx, req, err)
	}

	out := Response{Status: resp.StatusCode, Headers: resp.Header.Clone()}
	if isJSON(resp.Header.Get("Content-Type")) && json.Valid(raw) {
		out.Data = json.RawMessage(raw)
	} else {
		out.Data = string(raw)
	}
	return out
}

func do(ctx context.Context, req Request) (*http.Response, error) {
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	return client.Do(hreq)
}

func failure(ctx context.Context, req Request, err error) Response {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("upstream timed out", "method", req.Method, "url", req.URL)
		return Response{Status: http.StatusGatewayTimeout, Data: Detail{"Upstream request timed out"}, Headers: http.Header{}}
	}
	slog.Warn("upstream unavailable", "method", req.Method, "url", req.URL, "err", err)
	return Response{Status: http.StatusBadGateway, Data: Detail{"Upstream unavailable: " + unwrapMessage(err)}, Headers: http.Header{}}
}

// unwrapMessage drops the `Get "url": ` prefix net/http adds so the message
// names the underlying cause.
func unwrapMessage(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err.Error()
	}
	return err.Error()
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "application/json")
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// Relay writes resp to w verbatim.
func Relay(w http.ResponseWriter, resp Response) {
	switch data := resp.Data.(type) {
	case json.RawMessage:
		ct := resp.Headers.Get("Content-Type")
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(resp.Status)
		w.Write(data)
	case string:
		ct := resp.Headers.Get("Content-Type")
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(resp.Status)
		io.WriteString(w, data)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		json.NewEncoder(w).Encode(data)
	}
}
