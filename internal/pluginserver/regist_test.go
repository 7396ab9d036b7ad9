package pluginserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/manifest"
	"github.com/basket/plat/internal/pluginserver"
	"github.com/basket/plat/internal/registry"
)

func newDaemon(t *testing.T, cfg registry.ProtocolConfig) (*registry.Registry, string) {
	t.Helper()
	reg := registry.New(registry.Config{})
	mux := http.NewServeMux()
	mux.Handle(pluginserver.RegistPath, registry.NewProtocol(reg, cfg))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return reg, srv.URL
}

func echoManifest(addr string) manifest.Manifest {
	return manifest.Manifest{Name: "echo", Version: "0.1.0", WasmRoot: "echo.wasm", Address: addr}
}

func register(t *testing.T, daemon string, m manifest.Manifest) *pluginserver.Registration {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := pluginserver.Register(ctx, daemon, m, pluginserver.RegisterOptions{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegister_UntilClosed(t *testing.T) {
	reg, daemon := newDaemon(t, registry.ProtocolConfig{PublicKey: "daemon-key"})
	r := register(t, daemon, echoManifest("http://127.0.0.1:9001"))
	if r.DaemonKey() != "daemon-key" {
		t.Fatalf("daemon key = %q", r.DaemonKey())
	}
	waitFor(t, "registration", func() bool { return reg.Len() == 1 })
	if got, _ := reg.Get("echo"); got.Addr != "http://127.0.0.1:9001" {
		t.Fatalf("registered addr = %q", got.Addr)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("Err after Close = %v", err)
	}
	waitFor(t, "deregistration", func() bool { return reg.Len() == 0 })
}

func TestRegister_ReadyGreeting(t *testing.T) {
	_, daemon := newDaemon(t, registry.ProtocolConfig{Greeting: config.GreetingReady})
	if r := register(t, daemon, echoManifest("http://127.0.0.1:9001")); r.DaemonKey() != "" {
		t.Fatalf("ready greeting should leave the key empty, got %q", r.DaemonKey())
	}
}

func TestRegister_ConflictEndsRegistration(t *testing.T) {
	reg, daemon := newDaemon(t, registry.ProtocolConfig{PublicKey: "daemon-key"})
	register(t, daemon, echoManifest("http://127.0.0.1:9001"))
	waitFor(t, "first registration", func() bool { return reg.Len() == 1 })

	second := register(t, daemon, echoManifest("http://127.0.0.1:9002"))
	select {
	case <-second.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("conflicting registration was not ended")
	}
	if !errors.Is(second.Err(), registry.ErrConflict) {
		t.Fatalf("Err = %v, want ErrConflict", second.Err())
	}
	if got, _ := reg.Get("echo"); got.Addr != "http://127.0.0.1:9001" || reg.Len() != 1 {
		t.Fatalf("first registration must remain, got %+v", got)
	}
}

func TestRegister_DaemonShutdownEndsRegistration(t *testing.T) {
	reg, daemon := newDaemon(t, registry.ProtocolConfig{})
	r := register(t, daemon, echoManifest("http://127.0.0.1:9001"))
	waitFor(t, "registration", func() bool { return reg.Len() == 1 })

	if err := reg.Remove("echo", registry.ReasonShutdown); err != nil {
		t.Fatalf("remove: %v", err)
	}
	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("registration still alive after daemon dropped it")
	}
	if r.Err() == nil {
		t.Fatalf("expected an error when the daemon ends the registration")
	}
}

func TestRegisterPull(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "accepted", status: http.StatusOK},
		{name: "conflict", status: http.StatusConflict, wantErr: registry.ErrConflict},
		{name: "bad gateway", status: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got pluginserver.PullRequest
			daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != pluginserver.RegistPath {
					http.Error(w, "wrong route", http.StatusNotFound)
					return
				}
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(manifest.RegisteredPlugin{Addr: got.Addr, Manifest: echoManifest(got.Addr)})
			}))
			defer daemon.Close()

			rp, err := pluginserver.RegisterPull(context.Background(), nil, daemon.URL, "http://127.0.0.1:9001")
			if got.Addr != "http://127.0.0.1:9001" {
				t.Fatalf("daemon received addr %q", got.Addr)
			}
			switch {
			case tt.status == http.StatusOK:
				if err != nil || rp.Manifest.Name != "echo" {
					t.Fatalf("RegisterPull = %+v, %v", rp, err)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			default:
				if err == nil {
					t.Fatalf("expected error for status %d", tt.status)
				}
			}
		})
	}
}
