package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// MUTATIONS
// =============================================================================

// MutationType enumerates the atomic change kinds a producer may propose.
type MutationType string

const (
	MutationAddInsight   MutationType = "AddInsight"
	MutationUpdateField  MutationType = "UpdateField"
	MutationRemoveField  MutationType = "RemoveField"
	MutationAddDomain    MutationType = "AddDomain"
	MutationUpdateDomain MutationType = "UpdateDomain"
)

// Valid reports whether t is a known mutation type.
func (t MutationType) Valid() bool {
	switch t {
	case MutationAddInsight, MutationUpdateField, MutationRemoveField,
		MutationAddDomain, MutationUpdateDomain:
		return true
	}
	return false
}

// MutationStatus tracks a mutation through its lifecycle. Transitions are
// monotonic except applied -> rolled_back, which the background invariant
// audit may trigger.
type MutationStatus string

const (
	StatusPending    MutationStatus = "pending"
	StatusValidating MutationStatus = "validating"
	StatusApproved   MutationStatus = "approved"
	StatusSuspended  MutationStatus = "suspended"
	StatusRejected   MutationStatus = "rejected"
	StatusApplied    MutationStatus = "applied"
	StatusRolledBack MutationStatus = "rolled_back"
)

// Terminal reports whether no further transitions are expected, other than
// the audit-driven applied -> rolled_back edge.
func (s MutationStatus) Terminal() bool {
	return s == StatusRejected || s == StatusApplied || s == StatusRolledBack
}

// Mutation is a proposed atomic change to the knowledge tree.
type Mutation struct {
	MutationID           string         `json:"mutation_id"`
	Type                 MutationType   `json:"type"`
	Target               string         `json:"target"`
	NewValue             any            `json:"new_value,omitempty"`
	PreviousValue        any            `json:"previous_value,omitempty"`
	Confidence           float64        `json:"confidence"`
	RequiresDeliberation bool           `json:"requires_deliberation"`
	Source               string         `json:"source"`
	Timestamp            time.Time      `json:"timestamp"`
	Status               MutationStatus `json:"status"`
}

// NewMutationID mints a fresh mutation id.
func NewMutationID() string {
	return "mut-" + uuid.NewString()
}

// TargetDomain returns the domain part of the target ("DOMAIN" or
// "DOMAIN.field").
func (m *Mutation) TargetDomain() DomainID {
	if i := strings.IndexByte(m.Target, '.'); i >= 0 {
		return DomainID(m.Target[:i])
	}
	return DomainID(m.Target)
}

// TargetField returns the field part of the target, if any.
func (m *Mutation) TargetField() (string, bool) {
	if i := strings.IndexByte(m.Target, '.'); i >= 0 {
		return m.Target[i+1:], true
	}
	return "", false
}

// FieldTargeted reports whether the mutation addresses a single field rather
// than a whole domain.
func (m *Mutation) FieldTargeted() bool {
	_, ok := m.TargetField()
	return ok
}

// Validate performs cheap structural checks that do not need the tree.
func (m *Mutation) Validate() error {
	if m.MutationID == "" {
		return fmt.Errorf("mutation_id required")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("unknown mutation type %q", m.Type)
	}
	if m.Target == "" {
		return fmt.Errorf("target required")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", m.Confidence)
	}
	if m.Source == "" {
		return fmt.Errorf("source required")
	}
	return nil
}

// Clone returns a copy of the mutation. NewValue/PreviousValue are shared;
// callers treat them as immutable.
func (m *Mutation) Clone() *Mutation {
	out := *m
	return &out
}
