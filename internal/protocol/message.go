// Package protocol defines the JSON messages exchanged over each WebSocket
// channel and the control frames sent over a file-transfer DataChannel.
//
// Every channel has its own closed set of message variants (CallMessage,
// SignalMessage, MeetingMessage, ChatMessage, FileMessage). Inbound frames
// are decoded into one concrete variant and handled with a type switch.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownType is returned when a frame's type is not part of the
// channel's variant set.
var ErrUnknownType = errors.New("unknown message type")

// Message is any outbound or inbound channel message.
type Message interface {
	// MessageType returns the wire "type" discriminator.
	MessageType() string
}

// Frame is an inbound WebSocket frame parsed just far enough to know its type.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// ParseFrame parses a raw WebSocket payload into a Frame.
func ParseFrame(data []byte) (Frame, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Type == "" {
		return Frame{}, errors.New("invalid frame: missing type")
	}
	return Frame{Type: env.Type, Raw: json.RawMessage(data)}, nil
}

// Encode serializes a message and injects its "type" discriminator as the
// first field of the JSON object.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not a JSON object", m.MessageType())
	}

	typ, _ := json.Marshal(m.MessageType())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// decodeAs unmarshals the frame body into a fresh T.
func decodeAs[T any](f Frame) (T, error) {
	var v T
	if err := json.Unmarshal(f.Raw, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return v, nil
}

// SDP is a session description body. On the wire it appears either as a bare
// SDP string or as a {"type","sdp"} object; it is always sent as a string.
type SDP string

func (s *SDP) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*s = SDP(raw)
		return nil
	}
	var obj struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("sdp: %w", err)
	}
	*s = SDP(obj.SDP)
	return nil
}

// Meta describes a file announced in an offer and in a file-info frame.
type Meta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

func (m Meta) String() string {
	if m.Type == "" {
		return fmt.Sprintf("%s (%d bytes)", m.Name, m.Size)
	}
	return fmt.Sprintf("%s (%d bytes, %s)", m.Name, m.Size, m.Type)
}

// SameParty compares two identifiers the way the servers do: case-insensitively.
func SameParty(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
