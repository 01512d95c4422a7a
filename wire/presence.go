package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/writely/cosync/commons"
)

var ErrMissingField = errors.New("missing required field")

// EncodePresence serializes a JSON text frame.
func EncodePresence(m commons.Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	return json.Marshal(m)
}

// DecodePresence parses a JSON text frame. Unknown fields are ignored for
// forward compatibility; a frame missing its required fields is an error
// and the caller drops it.
func DecodePresence(data []byte) (commons.Message, error) {
	var m commons.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return commons.Message{}, err
	}
	switch m.Type {
	case "":
		return commons.Message{}, fmt.Errorf("%w: type", ErrMissingField)
	case commons.PresenceMessage, commons.UserDisconnectedMessage:
		if m.UserID == "" {
			return commons.Message{}, fmt.Errorf("%w: userId", ErrMissingField)
		}
	}
	return m, nil
}
