package protocol

import (
	"encoding/json"
	"fmt"
)

// Control frame types sent as text over a file-transfer DataChannel. Binary
// frames on the same channel carry raw file chunks.
const (
	ControlFileInfo = "file-info"
	ControlFileEnd  = "file-end"
)

// ChunkSize is the size of one binary chunk on a file-transfer DataChannel.
const ChunkSize = 16 * 1024

// Control is a text frame on a file-transfer DataChannel.
type Control struct {
	Type string `json:"type"`
	Meta *Meta  `json:"meta,omitempty"`
}

// EncodeControl serializes a control frame for DataChannel.SendText.
func EncodeControl(c Control) string {
	data, _ := json.Marshal(c)
	return string(data)
}

// DecodeControl parses a text frame received on a file-transfer DataChannel.
func DecodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("invalid control frame: %w", err)
	}
	switch c.Type {
	case ControlFileInfo:
		if c.Meta == nil {
			return Control{}, fmt.Errorf("invalid control frame: %s without meta", c.Type)
		}
	case ControlFileEnd:
	default:
		return Control{}, fmt.Errorf("invalid control frame: %w %q", ErrUnknownType, c.Type)
	}
	return c, nil
}
