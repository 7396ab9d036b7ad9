package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// maxHeaderBytes bounds the buffered header block.
const maxHeaderBytes = 64 << 10

var errHeaderTooLarge = errors.New("response header block too large")

// cgiWriter is the guest's stdout. It buffers until the header block is
// terminated by a blank line, applies the headers to the ResponseWriter,
// closes set, and from then on streams the body straight through.
type cgiWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	buf     bytes.Buffer
	done    bool
	wrote   bool
	status  int
	err     error
	set     chan struct{}
	flusher http.Flusher
}

func newCGIWriter(w http.ResponseWriter) *cgiWriter {
	f, _ := w.(http.Flusher)
	return &cgiWriter{w: w, set: make(chan struct{}), flusher: f}
}

func (c *cgiWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if len(p) > 0 {
		c.wrote = true
	}
	if c.done {
		n, err := c.w.Write(p)
		if c.flusher != nil {
			c.flusher.Flush()
		}
		return n, err
	}

	c.buf.Write(p)
	raw := c.buf.Bytes()
	end, sep := headerEnd(raw)
	if end < 0 {
		if c.buf.Len() > maxHeaderBytes {
			c.err = errHeaderTooLarge
			return 0, c.err
		}
		return len(p), nil
	}

	status, err := applyHeaders(c.w.Header(), raw[:end])
	if err != nil {
		c.err = err
		return 0, err
	}
	c.status = status
	c.w.WriteHeader(status)
	c.done = true
	close(c.set)
	if body := raw[end+sep:]; len(body) > 0 {
		if _, err := c.w.Write(body); err != nil {
			return 0, err
		}
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	c.buf.Reset()
	return len(p), nil
}

// result reports whether headers were sent and, if not, why.
func (c *cgiWriter) result() (sent bool, status int, err error, wrote bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done, c.status, c.err, c.wrote
}

func headerEnd(b []byte) (idx, sepLen int) {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case crlf < 0:
		return lf, 2
	case lf < 0 || crlf < lf:
		return crlf, 4
	default:
		return lf, 2
	}
}

// applyHeaders parses a CGI header block. "Status" sets the code, a bare
// "Location" implies 302, anything else is copied to the response.
func applyHeaders(h http.Header, block []byte) (int, error) {
	status := 0
	location := false
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return 0, fmt.Errorf("malformed header line %q", line)
		}
		key = http.CanonicalHeaderKey(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "Status":
			code, _, _ := strings.Cut(value, " ")
			n, err := strconv.Atoi(code)
			if err != nil || n < 100 || n > 999 {
				return 0, fmt.Errorf("invalid status %q", value)
			}
			status = n
		case "Location":
			location = true
			h.Set(key, value)
		default:
			h.Add(key, value)
		}
	}
	if status == 0 {
		status = http.StatusOK
		if location {
			status = http.StatusFound
		}
	}
	return status, nil
}

// cgiEnv translates r into CGI meta-variables.
func cgiEnv(r *http.Request) map[string]string {
	env := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"REQUEST_METHOD":    r.Method,
		"PATH_INFO":         r.URL.Path,
		"QUERY_STRING":      r.URL.RawQuery,
		"REQUEST_URI":       r.URL.RequestURI(),
		"SERVER_PROTOCOL":   r.Proto,
		"REMOTE_ADDR":       r.RemoteAddr,
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		env["CONTENT_TYPE"] = ct
	}
	if r.ContentLength >= 0 {
		env["CONTENT_LENGTH"] = strconv.FormatInt(r.ContentLength, 10)
	}
	for k, vs := range r.Header {
		switch k {
		case "Content-Type", "Content-Length":
			continue
		}
		name := "HTTP_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		env[name] = strings.Join(vs, ", ")
	}
	return env
}
