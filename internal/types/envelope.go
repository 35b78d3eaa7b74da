package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// BUS ENVELOPE
// =============================================================================

// Channel names the four fixed streams on the bus.
type Channel string

const (
	ChannelMutations  Channel = "context_mutations"
	ChannelValidation Channel = "semantic_validation"
	ChannelAlerts     Channel = "coherence_alerts"
	ChannelFragments  Channel = "fragment_updates"
)

// Channels lists every stream in declaration order.
var Channels = []Channel{
	ChannelMutations,
	ChannelValidation,
	ChannelAlerts,
	ChannelFragments,
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMutations, ChannelValidation, ChannelAlerts, ChannelFragments:
		return true
	}
	return false
}

// Envelope is the JSON wire format producers and consumers exchange.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	Channel       Channel         `json:"channel"`
	MessageType   string          `json:"message_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	SourceService string          `json:"source_service"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Priority      int             `json:"priority"`
	TTLSeconds    int             `json:"ttl"`
}

// Message types carried on the channels.
const (
	MsgMutationProposed     = "mutation_proposed"
	MsgMutationOutcome      = "mutation_outcome"
	MsgDeliberationDecision = "deliberation_decision"
	MsgCoherenceAlert       = "coherence_alert"
	MsgFragmentUpdate       = "fragment_update"
)

// Alert kinds carried on coherence_alerts.
const (
	AlertContradictionPending = "contradiction_pending"
	AlertInvariantViolation   = "invariant_violation"
	AlertDeadLetter           = "dead_letter"
)

// NewEnvelope wraps payload for the given channel, marshalling it to JSON and
// minting a message id.
func NewEnvelope(channel Channel, messageType string, payload any, source string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", messageType, err)
	}
	return &Envelope{
		MessageID:     "msg-" + uuid.NewString(),
		Channel:       channel,
		MessageType:   messageType,
		Payload:       raw,
		Timestamp:     time.Now().UTC(),
		SourceService: source,
		Priority:      0,
		TTLSeconds:    0,
	}, nil
}

// Validate checks the envelope fields producers are required to set.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("message_id required")
	}
	if !e.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", e.Channel)
	}
	if e.MessageType == "" {
		return fmt.Errorf("message_type required")
	}
	if e.Priority != 0 && e.Priority != 1 {
		return fmt.Errorf("priority must be 0 or 1, got %d", e.Priority)
	}
	if e.Timestamp.Location() != time.UTC {
		return fmt.Errorf("timestamp must be UTC")
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope off the wire.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}
