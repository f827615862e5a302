package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardJSON(t *testing.T) {
	t.Parallel()

	seen := make(chan *http.Request, 1)
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen <- r
		bodies <- string(b)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	resp := Forward(context.Background(), Request{
		Method:  http.MethodPost,
		URL:     srv.URL + "/services/register",
		Headers: map[string]string{"Authorization": "Bearer abc"},
		Body:    map[string]string{"name": "recipes"},
		Timeout: time.Second,
	})

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, json.RawMessage(`{"ok":true}`), resp.Data)
	r := <-seen
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
	assert.JSONEq(t, `{"name":"recipes"}`, <-bodies)
}

func TestForwardCallerOverridesContentType(t *testing.T) {
	t.Parallel()

	cts := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cts <- r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	Forward(context.Background(), Request{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Headers: map[string]string{"Content-Type": "text/plain"},
		Body:    "x",
	})
	assert.Equal(t, "text/plain", <-cts)
}

func TestForwardText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "short and stout")
	}))
	defer srv.Close()

	resp := Forward(context.Background(), Request{URL: srv.URL})
	assert.Equal(t, http.StatusTeapot, resp.Status)
	assert.Equal(t, "short and stout", resp.Data)
}

func TestForwardInvalidJSONIsText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "{not json")
	}))
	defer srv.Close()

	resp := Forward(context.Background(), Request{URL: srv.URL})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "{not json", resp.Data)
}

func TestForwardTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	resp := Forward(context.Background(), Request{URL: srv.URL, Timeout: time.Millisecond})
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
	assert.Equal(t, Detail{"Upstream request timed out"}, resp.Data)
}

func TestForwardUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	resp := Forward(context.Background(), Request{URL: addr, Timeout: time.Second})
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	detail, ok := resp.Data.(Detail)
	require.True(t, ok, "data = %#v", resp.Data)
	assert.True(t, strings.HasPrefix(detail.Detail, "Upstream unavailable: "), detail.Detail)
	assert.NotContains(t, detail.Detail, addr, "url prefix should be stripped")
}

func TestRelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		resp     Response
		wantCT   string
		wantBody string
	}{
		{"json", Response{Status: 201, Data: json.RawMessage(`{"a":1}`)}, "application/json", `{"a":1}`},
		{"problem json", Response{Status: 422, Data: json.RawMessage(`{"title":"bad"}`), Headers: http.Header{"Content-Type": {"application/problem+json"}}}, "application/problem+json", `{"title":"bad"}`},
		{"text", Response{Status: 200, Data: "hello", Headers: http.Header{}}, "text/plain; charset=utf-8", "hello"},
		{"detail", Response{Status: 504, Data: Detail{"Upstream request timed out"}}, "application/json", `{"detail":"Upstream request timed out"}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Relay(rec, tt.resp)
			assert.Equal(t, tt.resp.Status, rec.Code)
			assert.Equal(t, tt.wantCT, rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestForwardRelayKeepsJSONContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"title":"invalid key"}`)
	}))
	defer srv.Close()

	rec := httptest.NewRecorder()
	Relay(rec, Forward(context.Background(), Request{URL: srv.URL}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"title":"invalid key"}`, rec.Body.String())
}

func TestStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		for i := range 3 {
			fmt.Fprintf(w, "data: line %d\n\n", i)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	rec := httptest.NewRecorder()
	err := Stream(context.Background(), rec, Request{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer tok"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, "data: line 0\n\ndata: line 1\n\ndata: line 2\n\n", rec.Body.String())
}

func TestStreamUpstreamStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := httptest.NewRecorder()
	err := Stream(context.Background(), rec, Request{URL: srv.URL})
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusServiceUnavailable, serr.Status)
	assert.Zero(t, rec.Body.Len())
}

func TestStreamUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := Stream(context.Background(), httptest.NewRecorder(), Request{URL: addr})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestStreamCeiling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := httptest.NewRecorder()
	start := time.Now()
	err := stream(context.Background(), rec, Request{URL: srv.URL}, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, "data: first\n\n", rec.Body.String())
}
