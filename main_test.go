package main

import (
	"compress/gzip"
	"io"
	"net/http/httptest"
	"testing"
	"testing/fstest"
)

func TestSPAHandlerFallsBackToIndex(t *testing.T) {
	fsys := fstest.MapFS{
		"index.html":    {Data: []byte("<html>app</html>")},
		"assets/app.js": {Data: []byte("console.log(1)")},
	}
	h := spaHandler(fsys)

	tests := []struct {
		path string
		want string
	}{
		{"/", "<html>app</html>"},
		{"/modules/ocr", "<html>app</html>"},
		{"/assets/app.js", "console.log(1)"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))
		if rec.Code != 200 || rec.Body.String() != tt.want {
			t.Errorf("GET %s = %d %q, want %q", tt.path, rec.Code, rec.Body.String(), tt.want)
		}
	}
}

func TestGzipMiddleware(t *testing.T) {
	fsys := fstest.MapFS{"index.html": {Data: []byte("<html>app</html>")}}
	h := gzipMiddleware(spaHandler(fsys))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(zr)
	if string(body) != "<html>app</html>" {
		t.Errorf("body = %q", body)
	}

	plain := httptest.NewRecorder()
	h.ServeHTTP(plain, httptest.NewRequest("GET", "/", nil))
	if plain.Header().Get("Content-Encoding") != "" || plain.Body.String() != "<html>app</html>" {
		t.Errorf("uncompressed response = %q %q", plain.Header().Get("Content-Encoding"), plain.Body.String())
	}
}
