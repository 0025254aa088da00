// Package wire frames the three kinds of message a session sends.
//
// Raw is the native protocol: a "VERSION <v>" greeting, bare "PONG"
// keepalives and payloads verbatim. JSON wraps the same messages in the
// event envelopes the browser extension parses.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Codec turns session events into WebSocket text frames.
type Codec interface {
	Name() string
	Handshake(version string) []byte
	Keepalive() []byte
	Payload(p string) []byte
}

const (
	FormatRaw  = "raw"
	FormatJSON = "json"
)

// Lookup returns the codec registered under name. Empty selects raw.
func Lookup(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FormatRaw:
		return Raw, nil
	case FormatJSON:
		return JSON, nil
	}
	return nil, fmt.Errorf("unknown wire format %q (valid formats are %s|%s)", name, FormatRaw, FormatJSON)
}

// Raw is the default codec.
var Raw Codec = rawCodec{}

type rawCodec struct{}

func (rawCodec) Name() string                    { return FormatRaw }
func (rawCodec) Handshake(version string) []byte { return []byte("VERSION " + version) }
func (rawCodec) Keepalive() []byte               { return []byte("PONG") }
func (rawCodec) Payload(p string) []byte         { return []byte(p) }

// JSON is the envelope codec.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

type welcomeVersion struct {
	Main  int `json:"main"`
	Patch int `json:"patch"`
}

type envelope struct {
	Event   string          `json:"event"`
	Version *welcomeVersion `json:"version,omitempty"`
	Data    *string         `json:"data,omitempty"`
}

func (jsonCodec) Name() string { return FormatJSON }

func (jsonCodec) Handshake(version string) []byte {
	main, patch := splitVersion(version)
	return mustMarshal(envelope{Event: "welcome", Version: &welcomeVersion{Main: main, Patch: patch}})
}

func (jsonCodec) Keepalive() []byte {
	return mustMarshal(envelope{Event: "pong"})
}

func (jsonCodec) Payload(p string) []byte {
	return mustMarshal(envelope{Event: "data", Data: &p})
}

// splitVersion reads "main.patch". Missing or non-numeric parts are 0.
func splitVersion(v string) (int, int) {
	mainPart, patchPart, _ := strings.Cut(strings.TrimSpace(v), ".")
	main, _ := strconv.Atoi(mainPart)
	patch, _ := strconv.Atoi(patchPart)
	return main, patch
}

func mustMarshal(v envelope) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// envelope holds only strings and ints
		panic(err)
	}
	return b
}
