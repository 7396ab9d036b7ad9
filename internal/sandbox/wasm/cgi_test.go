package wasm

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHeaderEnd(t *testing.T) {
	cases := []struct {
		in      string
		idx, ln int
	}{
		{"A: b\r\n\r\nbody", 4, 4},
		{"A: b\n\nbody", 4, 2},
		{"A: b\r\n", -1, 0},
		{"\r\n\r\n", 0, 4},
	}
	for _, c := range cases {
		idx, ln := headerEnd([]byte(c.in))
		if idx != c.idx || ln != c.ln {
			t.Errorf("headerEnd(%q) = %d,%d want %d,%d", c.in, idx, ln, c.idx, c.ln)
		}
	}
}

func TestCGIWriter_StreamsAfterHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := newCGIWriter(rec)
	for _, chunk := range []string{"Status: 201\r\nX-A", ": 1\r\n", "\r\nfirst ", "second"} {
		if _, err := cw.Write([]byte(chunk)); err != nil {
			t.Fatalf("write %q: %v", chunk, err)
		}
	}
	select {
	case <-cw.set:
	default:
		t.Fatalf("response set signal not raised")
	}
	if rec.Code != http.StatusCreated || rec.Header().Get("X-A") != "1" || rec.Body.String() != "first second" {
		t.Fatalf("unexpected response %d %v %q", rec.Code, rec.Header(), rec.Body.String())
	}
}

func TestCGIWriter_RejectsOversizedHeader(t *testing.T) {
	cw := newCGIWriter(httptest.NewRecorder())
	if _, err := cw.Write([]byte(strings.Repeat("x", maxHeaderBytes+1))); err == nil {
		t.Fatalf("expected header size error")
	}
	if sent, _, err, _ := cw.result(); sent || err == nil {
		t.Fatalf("expected unsent response with error")
	}
}

func TestApplyHeaders_InvalidStatus(t *testing.T) {
	if _, err := applyHeaders(http.Header{}, []byte("Status: abc")); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestCGIEnv(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/notes/1?draft=true", strings.NewReader("abc"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Trace-Id", "t-1")
	env := cgiEnv(req)
	want := map[string]string{
		"REQUEST_METHOD":  "POST",
		"PATH_INFO":       "/notes/1",
		"QUERY_STRING":    "draft=true",
		"CONTENT_TYPE":    "text/plain",
		"CONTENT_LENGTH":  "3",
		"HTTP_X_TRACE_ID": "t-1",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
	if _, ok := env["HTTP_CONTENT_TYPE"]; ok {
		t.Errorf("content type must not be duplicated as HTTP_ var")
	}
}
