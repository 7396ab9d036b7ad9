// Package confirm asks connected operators to approve an install, delete or
// sign action. The first operator to answer decides for everyone.
package confirm

import (
	"encoding/json"
	"fmt"

	"github.com/basket/plat/internal/manifest"
)

// Envelope is the {type, payload} frame carried on operator channels.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope types that are not confirmation kinds.
const (
	TypeDaemon = "daemon"
	TypeOK     = "ok"
)

// Kind is a confirmation request type. Replies reuse the request type.
type Kind string

const (
	KindInstall Kind = "confirm/install-plugin"
	KindDelete  Kind = "confirm/delete-plugin"
	KindSign    Kind = "confirm/sign"
)

// Label is the short name used in metrics, audit and logs.
func (k Kind) Label() string {
	switch k {
	case KindInstall:
		return "install"
	case KindDelete:
		return "delete"
	case KindSign:
		return "sign"
	default:
		return string(k)
	}
}

// IsKind reports whether typ names a confirmation kind.
func IsKind(typ string) bool {
	switch Kind(typ) {
	case KindInstall, KindDelete, KindSign:
		return true
	}
	return false
}

func NewEnvelope(typ string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// PluginPayload accompanies install and delete requests.
type PluginPayload struct {
	Name   string            `json:"name"`
	Plugin manifest.Manifest `json:"plugin"`
}

// SignPayload accompanies sign requests.
type SignPayload struct {
	ID         string `json:"id"`
	Data       string `json:"data"`
	Describe   string `json:"describe,omitempty"`
	PluginName string `json:"plugin_name,omitempty"`
	PublicKey  string `json:"public_key"`
}

// Reply is an operator's answer. Install and delete replies carry Name,
// sign replies carry ID.
type Reply struct {
	Name  string `json:"name,omitempty"`
	ID    string `json:"id,omitempty"`
	Allow bool   `json:"allow"`
}

// Key is the correlation key the reply answers.
func (r Reply) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

// Snapshot is the payload of a daemon envelope.
type Snapshot struct {
	PublicKey string                      `json:"public_key"`
	Plugins   []manifest.RegisteredPlugin `json:"plugins"`
}
