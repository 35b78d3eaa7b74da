package types

// Payload shapes carried inside envelopes, shared by the core and external
// producers/consumers.

// OutcomeEvent reports a mutation's (possibly intermediate) fate on
// semantic_validation. Submit acks synchronously; this event is how the
// producer learns the final status.
type OutcomeEvent struct {
	MutationID    string         `json:"mutation_id"`
	Target        string         `json:"target"`
	Status        MutationStatus `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	CommitVersion uint64         `json:"commit_version,omitempty"`
	Revised       bool           `json:"revised,omitempty"`
	Degraded      []string       `json:"degraded,omitempty"`
}

// AlertEvent is the coherence_alerts payload.
type AlertEvent struct {
	Kind          string `json:"kind"`
	MutationID    string `json:"mutation_id,omitempty"`
	Detail        string `json:"detail,omitempty"`
	CommitVersion uint64 `json:"commit_version,omitempty"`
}

// DeliberationDecision resolves a suspended mutation. Sent by an operator on
// semantic_validation with message_type deliberation_decision.
type DeliberationDecision struct {
	MutationID string `json:"mutation_id"`
	Decision   string `json:"decision"` // "approve" or "discard"
	Operator   string `json:"operator,omitempty"`
}

// Deliberation decisions.
const (
	DecisionApprove = "approve"
	DecisionDiscard = "discard"
)
