package network

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"meshrelay/models"
)

// EnvelopeDelimiter separates the five envelope fields on the wire.
const EnvelopeDelimiter = "|"

const envelopeFieldCount = 5

var (
	// ErrMalformedEnvelope indicates a frame that does not decode to an envelope.
	ErrMalformedEnvelope = errors.New("network: malformed envelope")
	// ErrUnknownType indicates an envelope type token outside the closed set.
	ErrUnknownType = errors.New("network: unknown envelope type")
	// ErrDelimiterInField indicates a header field containing the delimiter.
	ErrDelimiterInField = errors.New("network: delimiter in envelope header field")
)

// Envelope is the wire unit exchanged between linked nodes.
type Envelope struct {
	Type        models.MessageType
	MessageID   string
	SenderID    string
	RecipientID string
	Payload     string
}

// IsBroadcast reports whether the envelope floods to every node.
func (e Envelope) IsBroadcast() bool {
	return e.RecipientID == models.BroadcastRecipient
}

// EncodeEnvelope serializes e as TYPE|message_id|sender_id|recipient_id|payload.
// Only the payload may contain the delimiter.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if _, ok := models.ParseMessageType(e.Type.String()); !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, e.Type)
	}
	if e.MessageID == "" {
		return nil, fmt.Errorf("%w: empty message id", ErrMalformedEnvelope)
	}
	for _, field := range []string{e.MessageID, e.SenderID, e.RecipientID} {
		if strings.Contains(field, EnvelopeDelimiter) {
			return nil, fmt.Errorf("%w: %q", ErrDelimiterInField, field)
		}
	}

	var b bytes.Buffer
	b.Grow(len(e.MessageID) + len(e.SenderID) + len(e.RecipientID) + len(e.Payload) + 32)
	b.WriteString(e.Type.String())
	for _, field := range []string{e.MessageID, e.SenderID, e.RecipientID, e.Payload} {
		b.WriteString(EnvelopeDelimiter)
		b.WriteString(field)
	}
	return b.Bytes(), nil
}

// DecodeEnvelope parses a wire frame. The split is capped at five fields so
// the payload keeps any delimiters it carries.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	parts := strings.SplitN(string(raw), EnvelopeDelimiter, envelopeFieldCount)
	if len(parts) < envelopeFieldCount {
		return Envelope{}, fmt.Errorf("%w: %d fields", ErrMalformedEnvelope, len(parts))
	}

	msgType, ok := models.ParseMessageType(strings.TrimSpace(parts[0]))
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %w %q", ErrMalformedEnvelope, ErrUnknownType, parts[0])
	}

	envelope := Envelope{
		Type:        msgType,
		MessageID:   strings.TrimSpace(parts[1]),
		SenderID:    strings.TrimSpace(parts[2]),
		RecipientID: strings.TrimSpace(parts[3]),
		Payload:     parts[4],
	}
	if envelope.MessageID == "" {
		return Envelope{}, fmt.Errorf("%w: empty message id", ErrMalformedEnvelope)
	}
	return envelope, nil
}
