// Package vaultrpc implements the length-prefixed JSON protocol that
// exposes pkg/vault over a Unix domain socket, per spec.md §4.B.
//
// Grounded on ArmorClaw's bridge/pkg/secrets/socket.go framing (4-byte
// length prefix followed by a JSON payload) generalized from a one-shot
// secret-delivery handshake into a persistent request/response server.
package vaultrpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxMessageSize bounds a single frame so a misbehaving peer cannot force
// an unbounded allocation from the length prefix.
const maxMessageSize = 4 << 20 // 4 MiB

var ErrMessageTooLarge = errors.New("vaultrpc: message exceeds size limit")

// Request is the wire shape for every verb. Only the fields relevant to
// Verb are populated.
type Request struct {
	Verb               string   `json:"verb"`
	Protocol           string   `json:"protocol,omitempty"`
	Target             string   `json:"target,omitempty"`
	Name               string   `json:"name,omitempty"`
	Credential         any      `json:"credential,omitempty"`
	Label              string   `json:"label,omitempty"`
	AllowedPaths       []string `json:"allowed_paths,omitempty"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute,omitempty"`
}

// Response is the wire shape for every reply. Errors are never the
// underlying Go error's text verbatim — handlers format a safe Error
// string that never contains credential material.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxMessageSize {
		return ErrMessageTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("vaultrpc: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("vaultrpc: write payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageSize {
		return nil, ErrMessageTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("vaultrpc: read payload: %w", err)
	}
	return buf, nil
}

func writeJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("vaultrpc: marshal: %w", err)
	}
	return writeFrame(w, payload)
}

func readJSON(r io.Reader, v any) error {
	payload, err := readFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
