// Package audit appends trust decisions (handshakes, confirmations,
// registrations) to logs/audit.jsonl under the daemon home.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/plat/internal/shared"
	"github.com/basket/plat/internal/telemetry"
)

// FileName is the audit trail under <home>/logs.
const FileName = "audit.jsonl"

// Decisions.
const (
	Allow = "allow"
	Deny  = "deny"
	Fatal = "fatal"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Decision   string `json:"decision"`
	Capability string `json:"capability"`
	Reason     string `json:"reason"`
	Subject    string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	f, err := telemetry.OpenLogFile(homeDir, FileName)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record is safe to call before Init; the entry is then only counted.
func Record(decision, capability, reason, subject string) {
	if decision == Deny {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Decision:   decision,
		Capability: capability,
		Reason:     reason,
		Subject:    subject,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
