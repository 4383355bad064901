package pubsub

import (
	"encoding/json"
	"fmt"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

// Envelope is the wire form of every message.
type Envelope struct {
	PublisherID string          `json:"publisherId"`
	Message     json.RawMessage `json:"message"`
}

// EncodeEnvelope serializes message on behalf of publisherID.
func EncodeEnvelope(publisherID string, message any) ([]byte, error) {
	msg, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("pubsub: encode message: %w", err)
	}
	return json.Marshal(Envelope{PublisherID: publisherID, Message: msg})
}

// DecodeEnvelope parses a wire payload. Both fields must be present and
// publisherId must be a string; a JSON null message is valid.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", coorderrors.ErrMalformedEnvelope, err)
	}
	id, ok := fields["publisherId"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing publisherId", coorderrors.ErrMalformedEnvelope)
	}
	msg, ok := fields["message"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing message", coorderrors.ErrMalformedEnvelope)
	}
	var env Envelope
	if err := json.Unmarshal(id, &env.PublisherID); err != nil {
		return Envelope{}, fmt.Errorf("%w: publisherId: %v", coorderrors.ErrMalformedEnvelope, err)
	}
	env.Message = msg
	return env, nil
}
