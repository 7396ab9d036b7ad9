package wasm_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/basket/plat/internal/locktable"
	"github.com/basket/plat/internal/sandbox/wasm"
	"github.com/basket/plat/internal/sandbox/wasm/wasmtest"
)

const (
	okResp   = "\r\n\r\nok"
	failResp = "\r\n\r\nfail"
)

func TestCapabilities(t *testing.T) {
	tests := []struct {
		name  string
		fn    string
		arg   string
		times int
		want  string
	}{
		{"lock acquire", "lock_acquire", "doc-1", 1, "ok"},
		{"lock acquire twice in one instance", "lock_acquire", "doc-1", 2, "fail"},
		{"release without acquire", "lock_release", "doc-1", 1, "fail"},
		{"channel unsupported", "channel_open", "events", 1, "fail"},
		{"task unsupported", "task_spawn", "worker", 1, "fail"},
		{"empty name", "lock_acquire", "", 1, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHost(t, wasmtest.Probe(tt.fn, tt.arg, tt.times, okResp, failResp))
			rec := do(h, http.MethodGet, "/", "", nil)
			if rec.Code != http.StatusOK || rec.Body.String() != tt.want {
				t.Fatalf("got %d %q, want %q", rec.Code, rec.Body.String(), tt.want)
			}
		})
	}
}

func TestCapabilities_GuestLocksReleasedWhenInstanceEnds(t *testing.T) {
	table := locktable.New()
	h := newHost(t, wasmtest.Probe("lock_acquire", "doc-9", 1, okResp, failResp), func(c *wasm.Config) {
		c.Locks = table
	})
	for i := 0; i < 2; i++ {
		rec := do(h, http.MethodGet, "/", "", nil)
		if rec.Body.String() != "ok" {
			t.Fatalf("request %d: got %q", i, rec.Body.String())
		}
	}
	if table.Len() != 0 {
		t.Fatalf("guest lock leaked past the instance: %d held", table.Len())
	}
}

func TestCapabilities_LockHeaderCountsAsHeld(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		arg  string
	}{
		{"acquire the header lock", "lock_acquire", "doc-1"},
		{"release the header lock", "lock_release", "doc-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := locktable.New()
			h := newHost(t, wasmtest.Probe(tt.fn, tt.arg, 1, okResp, failResp), func(c *wasm.Config) {
				c.Locks = table
				c.RequestTimeout = 2 * time.Second
			})
			start := time.Now()
			rec := do(h, http.MethodGet, "/", "", map[string]string{wasm.LockHeader: "doc-1"})
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Fatalf("guest blocked on its own request lock for %v", elapsed)
			}
			if rec.Code != http.StatusOK || rec.Body.String() != "fail" {
				t.Fatalf("got %d %q, want fail", rec.Code, rec.Body.String())
			}
			if table.Len() != 0 {
				t.Fatalf("request lock leaked: %d held", table.Len())
			}
		})
	}

	// A different id is still available to the guest.
	h := newHost(t, wasmtest.Probe("lock_acquire", "doc-2", 1, okResp, failResp))
	if rec := do(h, http.MethodGet, "/", "", map[string]string{wasm.LockHeader: "doc-1"}); rec.Body.String() != "ok" {
		t.Fatalf("acquire of another id = %q", rec.Body.String())
	}
}

func TestCapabilities_LocksUnavailable(t *testing.T) {
	h := newHost(t, wasmtest.Probe("lock_acquire", "doc", 1, okResp, failResp), func(c *wasm.Config) {
		c.Locks = nil
	})
	if rec := do(h, http.MethodGet, "/", "", nil); rec.Body.String() != "fail" {
		t.Fatalf("expected failure without a lock table, got %q", rec.Body.String())
	}
}
