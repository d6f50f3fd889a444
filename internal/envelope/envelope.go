// Package envelope implements the generic gateway frame codec.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pulsecord/pulse"
)

const maxFrameSize = 10 * 1024 * 1024 // 10MB max frame size

// Envelope is one decoded gateway frame. Seq and Event are only meaningful
// for dispatch frames; control frames leave them zero.
type Envelope struct {
	Op    int             `json:"op"`
	Seq   int64           `json:"s,omitempty"`
	Event string          `json:"t,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
}

// IsDispatch reports whether the envelope carries an application event.
func (e *Envelope) IsDispatch() bool {
	return e.Op == pulse.OpDispatch
}

// Encode serializes an envelope to its wire form.
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(data), maxFrameSize)
	}
	return data, nil
}

// Decode parses a wire frame into an envelope.
// The Data field references the input buffer - do not modify it.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}
	if len(data) > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(data), maxFrameSize)
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%s: %w", pulse.ErrMsgInvalidEnvelope, err)
	}
	return &e, nil
}
