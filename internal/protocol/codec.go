package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a type.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned for frames whose type has no registered decoder.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid frame")
)

var decoders = map[string]func() Frame{
	TypeRegisterSuccess:     func() Frame { return &RegisterSuccess{} },
	TypeRegisterError:       func() Frame { return &RegisterError{} },
	TypeError:               func() Frame { return &ServerError{} },
	TypeUsersList:           func() Frame { return &UsersList{} },
	TypeHistoryMessage:      func() Frame { return &MessageFrame{} },
	TypeHistoryGroupMessage: func() Frame { return &MessageFrame{} },
	TypeNewMessage:          func() Frame { return &MessageFrame{} },
	TypeNewGroupMessage:     func() Frame { return &MessageFrame{} },
	TypeMessageRead:         func() Frame { return &MessageRead{} },
	TypeGroupReadUpdate:     func() Frame { return &GroupReadUpdate{} },
	TypeMessageRecalled:     func() Frame { return &MessageRecalled{} },
	TypeUserOnline:          func() Frame { return &Presence{} },
	TypeUserOffline:         func() Frame { return &Presence{} },
	TypeGroupCreated:        func() Frame { return &GroupCreated{} },
	TypeGroupList:           func() Frame { return &GroupList{} },
}

func init() {
	for _, t := range SignalTypes {
		decoders[t] = func() Frame { return &Signal{} }
	}
}

// PeekType returns the type tag of a raw frame without decoding the body.
func PeekType(raw []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env.Type, nil
}

// Decode parses and validates a server frame. The returned Frame is a
// pointer to one of the frame structs in this package.
func Decode(raw []byte) (Frame, error) {
	t, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	mk, ok := decoders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	f := mk()
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	if m, ok := f.(*MessageFrame); ok && m.ContentType == "" {
		m.ContentType = ContentText
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	return f, nil
}

// Encode validates f and serializes it without HTML escaping so that
// message content keeps <, > and & verbatim.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", f.FrameType(), err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	if t, err := PeekType(out); err != nil || t != f.FrameType() {
		return nil, fmt.Errorf("%w: type field %q does not match %s", ErrInvalid, t, f.FrameType())
	}
	return out, nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrInvalid, field)
}

func invalid(field, why string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, field, why)
}

func itoa(i int) string { return strconv.Itoa(i) }
