package types

import (
	"errors"
	"testing"
	"time"
)

func TestMutationTargetParsing(t *testing.T) {
	tests := []struct {
		target     string
		wantDomain DomainID
		wantField  string
		wantHas    bool
	}{
		{"PAIN_POINTS.problemas_actuales", DomainPainPoints, "problemas_actuales", true},
		{"ORGANIZACION", DomainOrganizacion, "", false},
		{"OFERTA.pricing_model", DomainOferta, "pricing_model", true},
	}
	for _, tt := range tests {
		m := Mutation{Target: tt.target}
		if got := m.TargetDomain(); got != tt.wantDomain {
			t.Errorf("TargetDomain(%q) = %s, want %s", tt.target, got, tt.wantDomain)
		}
		field, ok := m.TargetField()
		if ok != tt.wantHas || field != tt.wantField {
			t.Errorf("TargetField(%q) = (%q, %v), want (%q, %v)", tt.target, field, ok, tt.wantField, tt.wantHas)
		}
	}
}

func TestMutationValidate(t *testing.T) {
	good := Mutation{
		MutationID: NewMutationID(),
		Type:       MutationAddInsight,
		Target:     "PAIN_POINTS.problemas_actuales",
		NewValue:   "Context drift",
		Confidence: 0.9,
		Source:     "ai_system",
		Timestamp:  time.Now().UTC(),
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid mutation rejected: %v", err)
	}

	bad := good
	bad.Confidence = 1.2
	if err := bad.Validate(); err == nil {
		t.Error("confidence 1.2 accepted")
	}

	bad = good
	bad.Type = "Mutate"
	if err := bad.Validate(); err == nil {
		t.Error("unknown type accepted")
	}
}

func TestErrorClassification(t *testing.T) {
	terminal := []error{
		NewValidationError(CyclicDependency, "MERCADO -> ORGANIZACION -> MERCADO"),
		ErrContradiction,
		ErrUtilityTooLow,
		ErrEvaluatorsDegraded,
		ErrContention,
	}
	for _, err := range terminal {
		if !IsTerminalReject(err) {
			t.Errorf("IsTerminalReject(%v) = false", err)
		}
		if IsTransient(err) {
			t.Errorf("IsTransient(%v) = true", err)
		}
	}

	transient := []error{ErrBusUnavailable, ErrBusBackpressure, ErrStoreUnavailable, ErrEvaluatorTimeout, ErrCircuitOpen}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("IsTransient(%v) = false", err)
		}
		if IsTerminalReject(err) {
			t.Errorf("IsTerminalReject(%v) = true", err)
		}
	}

	// Wrapped errors classify the same.
	wrapped := errors.Join(errors.New("publish"), ErrBusUnavailable)
	if !IsTransient(wrapped) {
		t.Error("wrapped transient not detected")
	}
}

func TestRejectReason(t *testing.T) {
	if got := RejectReason(NewValidationError(ConfidenceBelowFloor, "0.75 < 0.8")); got != "ConfidenceBelowFloor" {
		t.Errorf("RejectReason = %s", got)
	}
	if got := RejectReason(ErrContradiction); got != "Contradiction" {
		t.Errorf("RejectReason = %s", got)
	}
}
