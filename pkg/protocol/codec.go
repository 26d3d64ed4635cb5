package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrUnknownSource  = errors.New("unknown message source")
	ErrInvalidPayload = errors.New("invalid message payload")
)

var validate = validator.New()

// pageTypes are produced inside the page and must carry a capture source.
var pageTypes = map[MessageType]struct{}{
	TypeNewStream:      {},
	TypeEmission:       {},
	TypeStreamError:    {},
	TypeStreamComplete: {},
	TypeSubscription:   {},
	TypeDevtoolsReady:  {},
	TypeAppConnected:   {},
}

func newPayload(t MessageType) (any, bool) {
	switch t {
	case TypeNewStream:
		return &NewStream{}, true
	case TypeEmission:
		return &Emission{}, true
	case TypeStreamError:
		return &StreamError{}, true
	case TypeStreamComplete:
		return &StreamComplete{}, true
	case TypeSubscription:
		return &Subscription{}, true
	case TypeDevtoolsReady:
		return &DevtoolsReady{}, true
	case TypeAppConnected:
		return &AppConnected{}, true
	case TypeDetected:
		return &Detected{}, true
	case TypeClearConsole:
		return &ClearConsole{}, true
	case TypePanelConnected:
		return nil, true
	}
	return nil, false
}

// IsCaptureSource reports whether s is one of the page capture paths.
func IsCaptureSource(s Source) bool {
	return s == SourceInjected || s == SourceHook
}

// New builds an envelope around payload.
func New(t MessageType, src Source, payload any) (Envelope, error) {
	env := Envelope{Type: t, Source: src, Timestamp: Now()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	env.Data = data
	return env, nil
}

// Encode marshals an envelope.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Check validates the discriminant fields of raw without decoding it.
func Check(raw []byte) (MessageType, Source, error) {
	if !gjson.ValidBytes(raw) {
		return "", "", fmt.Errorf("%w: malformed json", ErrInvalidPayload)
	}
	res := gjson.GetManyBytes(raw, "type", "source")
	t, src := MessageType(res[0].String()), Source(res[1].String())
	return t, src, checkDiscriminants(t, src)
}

func checkDiscriminants(t MessageType, src Source) error {
	if _, ok := newPayload(t); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if _, page := pageTypes[t]; page && !IsCaptureSource(src) {
		return fmt.Errorf("%w: %q for %s", ErrUnknownSource, src, t)
	}
	if t == TypeDetected && src != SourceDetector {
		return fmt.Errorf("%w: %q for %s", ErrUnknownSource, src, t)
	}
	return nil
}

// Validate checks the discriminants of an already parsed envelope and
// decodes its payload.
func Validate(env Envelope) (any, error) {
	if err := checkDiscriminants(env.Type, env.Source); err != nil {
		return nil, err
	}
	return DecodePayload(env)
}

// Decode validates raw and returns the envelope with its typed payload.
// The payload is nil for messages without data.
func Decode(raw []byte) (Envelope, any, error) {
	if _, _, err := Check(raw); err != nil {
		return Envelope{}, nil, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	payload, err := DecodePayload(env)
	if err != nil {
		return Envelope{}, nil, err
	}
	return env, payload, nil
}

// DecodePayload decodes and validates the data of an already parsed
// envelope.
func DecodePayload(env Envelope) (any, error) {
	payload, ok := newPayload(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if payload == nil {
		return nil, nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: %s without data", ErrInvalidPayload, env.Type)
	}
	if err := json.Unmarshal(env.Data, payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return payload, nil
}

// FromMessage converts an untyped page message into JSON. Envelopes, raw
// JSON and plain maps are accepted.
func FromMessage(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil message", ErrInvalidPayload)
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	case string:
		return []byte(m), nil
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return b, nil
	}
}
