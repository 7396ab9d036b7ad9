package shared

import "testing"

func TestRedact(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"plugin echo registered at http://127.0.0.1:9001", "plugin echo registered at http://127.0.0.1:9001"},
		{`{"private_key": "c2VlZHNlZWRzZWVk"}`, `{"private_key": [REDACTED]}`},
		{`password=hunter22`, `password=[REDACTED]`},
		{`"password_hash":"q8Yb-Tt0n9Xv_"`, `"password_hash":[REDACTED]`},
		{`handshake proof: "ab12cd34ef56"`, `handshake proof: [REDACTED]`},
		{"dial ws://127.0.0.1:7520/api/ws/operator?password=pw1&x=1 failed", "dial ws://127.0.0.1:7520/api/ws/operator?password=[REDACTED]&x=1 failed"},
		{"Bearer abc123def456ghi789jkl0", "Bearer [REDACTED]"},
		{"bearer short", "bearer short"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsSecretKey(t *testing.T) {
	for _, k := range []string{"PLAT_PASSWORD", "private_key", "password_proof", "Authorization", " token "} {
		if !IsSecretKey(k) {
			t.Errorf("IsSecretKey(%q) = false", k)
		}
	}
	for _, k := range []string{"", "PLAT_BIND_ADDR", "plugin", "public_key"} {
		if IsSecretKey(k) {
			t.Errorf("IsSecretKey(%q) = true", k)
		}
	}
}
