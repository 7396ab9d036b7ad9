package shared

import "testing"

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		base, path, want string
		wantErr          bool
	}{
		{base: "http://127.0.0.1:7520", path: "/api/regist", want: "ws://127.0.0.1:7520/api/regist"},
		{base: "https://daemon.local/", path: "api/connect", want: "wss://daemon.local/api/connect"},
		{base: "ws://h:1/base", path: "/x", want: "ws://h:1/base/x"},
		{base: "ftp://h", path: "/x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := WebSocketURL(tt.base, tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("WebSocketURL(%q): expected error", tt.base)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("WebSocketURL(%q, %q) = %q, %v; want %q", tt.base, tt.path, got, err, tt.want)
		}
	}
}
