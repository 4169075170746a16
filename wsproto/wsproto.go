// Package wsproto implements the termbrowser wire protocol: a single
// command byte followed by a command-specific body, carried as text frames
// over a WebSocket using the "tty" subprotocol.
package wsproto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Client -> server command bytes.
const (
	Input           byte = '0'
	Ping            byte = '1'
	ResizeTerminal  byte = '2'
	JSONData        byte = '{'
)

// Server -> client command bytes.
const (
	Output          byte = '0'
	Pong            byte = '1'
	SetWindowTitle  byte = '2'
	SetPreferences  byte = '3'
	SetReconnect    byte = '4'
)

// Subprotocol is the WebSocket subprotocol name clients must request.
const Subprotocol = "tty"

// Path is the only URI path the server upgrades to WebSocket.
const Path = "/ws"

// WindowSize is the body of a RESIZE_TERMINAL message.
type WindowSize struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// AuthMessage is the body of a JSON_DATA message.
type AuthMessage struct {
	AuthToken string `json:"AuthToken"`
}

// ParseResize decodes a RESIZE_TERMINAL payload (the bytes after the
// command byte).
func ParseResize(payload []byte) (WindowSize, error) {
	var ws WindowSize
	if err := json.Unmarshal(payload, &ws); err != nil {
		return WindowSize{}, fmt.Errorf("parsing window size: %w", err)
	}
	return ws, nil
}

// ParseAuth decodes a JSON_DATA payload (the full message, including the
// leading '{' which is itself valid JSON syntax).
func ParseAuth(payload []byte) (AuthMessage, error) {
	var m AuthMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return AuthMessage{}, fmt.Errorf("parsing json_data: %w", err)
	}
	return m, nil
}

// EncodeOutput builds the OUTPUT frame body for a chunk of raw PTY bytes.
func EncodeOutput(data []byte) []byte {
	b64 := base64.StdEncoding.EncodeToString(data)
	out := make([]byte, 0, len(b64)+1)
	out = append(out, Output)
	out = append(out, b64...)
	return out
}

// EncodePong builds the single-byte PONG frame body.
func EncodePong() []byte {
	return []byte{Pong}
}

// EncodeWindowTitle builds the SET_WINDOW_TITLE frame body.
func EncodeWindowTitle(title string) []byte {
	out := make([]byte, 0, len(title)+1)
	out = append(out, SetWindowTitle)
	out = append(out, title...)
	return out
}

// EncodeReconnect builds the SET_RECONNECT frame body.
func EncodeReconnect(seconds int) []byte {
	return []byte(fmt.Sprintf("%c%d", SetReconnect, seconds))
}

// EncodePreferences builds the SET_PREFERENCES frame body. optsJSON is
// passed through verbatim — it is already a JSON-encoded string by the
// time it reaches here (Config.ClientOptsJSON).
func EncodePreferences(optsJSON string) []byte {
	out := make([]byte, 0, len(optsJSON)+1)
	out = append(out, SetPreferences)
	out = append(out, optsJSON...)
	return out
}
