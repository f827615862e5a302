package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrUnreachable is returned by Stream when no upstream response arrived.
var ErrUnreachable = errors.New("upstream unreachable")

// StatusError is an upstream that answered a Stream with a non-2xx status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.Status)
}

// Stream copies an event stream from the upstream to w, flushing after every
// chunk. It ends when the upstream closes, when ctx is done (the client went
// away) or after StreamCeiling. Nothing is written to w when an error is
// returned, so the caller can still respond.
func Stream(ctx context.Context, w http.ResponseWriter, req Request) error {
	return stream(ctx, w, req, StreamCeiling)
}

func stream(ctx context.Context, w http.ResponseWriter, req Request, ceiling time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	hreq.Header.Set("Accept", "text/event-stream")
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := client.Do(hreq)
	if err != nil {
		slog.Warn("stream upstream unavailable", "url", req.URL, "err", err)
		return fmt.Errorf("%w: %v", ErrUnreachable, unwrapMessage(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode}
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				slog.Debug("stream client gone", "url", req.URL, "err", werr)
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				slog.Debug("stream ended", "url", req.URL, "err", rerr)
			}
			return nil
		}
	}
}
