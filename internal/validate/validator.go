// Package validate implements the schema and dependency validator: a pure,
// deterministic gate over (tree, mutation) pairs that runs before any
// evaluator sees the proposal.
package validate

import (
	"encoding/json"
	"regexp"

	"coherencebus/internal/types"
)

var (
	domainNameRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	fieldNameRe  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// Validator checks proposed mutations against the current tree. It holds no
// mutable state and is safe for concurrent use.
type Validator struct {
	floor func(types.Criticality) float64
}

// New builds a validator with the given confidence floor function. A nil
// floor uses the built-in criticality floors.
func New(floor func(types.Criticality) float64) *Validator {
	if floor == nil {
		floor = func(c types.Criticality) float64 { return c.Floor() }
	}
	return &Validator{floor: floor}
}

// Check returns nil when the mutation may proceed to evaluation, or the
// structured rejection otherwise. The tree is never modified.
func (v *Validator) Check(tree *types.KnowledgeTree, m *types.Mutation) *types.ValidationError {
	if err := m.Validate(); err != nil {
		return types.NewValidationError(types.SchemaInvalid, "%v", err)
	}
	if m.Timestamp.IsZero() {
		return types.NewValidationError(types.SchemaInvalid, "timestamp required")
	}
	if _, offset := m.Timestamp.Zone(); offset != 0 {
		return types.NewValidationError(types.TimestampNotUtc, "timestamp %s is not UTC", m.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}

	domainID := m.TargetDomain()
	if !domainNameRe.MatchString(string(domainID)) {
		return types.NewValidationError(types.SchemaInvalid, "malformed domain id %q", domainID)
	}
	field, hasField := m.TargetField()
	if hasField && !fieldNameRe.MatchString(field) {
		return types.NewValidationError(types.SchemaInvalid, "field name %q is not lowercase snake case", field)
	}

	var verr *types.ValidationError
	switch m.Type {
	case types.MutationAddInsight:
		verr = v.checkFieldWrite(tree, m, domainID, field, hasField, false)
	case types.MutationUpdateField:
		verr = v.checkFieldWrite(tree, m, domainID, field, hasField, true)
	case types.MutationRemoveField:
		verr = v.checkRemove(tree, m, domainID, field, hasField)
	case types.MutationAddDomain:
		verr = v.checkAddDomain(tree, m, domainID, hasField)
	case types.MutationUpdateDomain:
		verr = v.checkUpdateDomain(tree, m, domainID, hasField)
	}
	if verr != nil {
		return verr
	}

	// Referential checks on the post-mutation dependency graph.
	return CheckDependencies(tree, m)
}

func (v *Validator) checkFieldWrite(tree *types.KnowledgeTree, m *types.Mutation, domainID types.DomainID, field string, hasField, mustExist bool) *types.ValidationError {
	if !hasField {
		return types.NewValidationError(types.SchemaInvalid, "%s requires a DOMAIN.field target, got %q", m.Type, m.Target)
	}
	d, ok := tree.Domains[domainID]
	if !ok {
		return types.NewValidationError(types.UnknownDomain, "domain %s not found", domainID)
	}

	// The reserved "confidence" field writes through to the domain-level
	// confidence and is gated by the criticality floor.
	if field == "confidence" {
		conf, ok := asFloat(m.NewValue)
		if !ok {
			return types.NewValidationError(types.SchemaInvalid, "confidence target needs a numeric value")
		}
		if conf < 0 || conf > 1 {
			return types.NewValidationError(types.SchemaInvalid, "confidence %v out of [0,1]", conf)
		}
		if min := v.floor(d.Criticality); conf < min {
			return types.NewValidationError(types.ConfidenceBelowFloor,
				"%s confidence %.2f below %s floor %.2f", domainID, conf, d.Criticality, min)
		}
		return nil
	}

	_, exists := d.Fields[field]
	if mustExist && !exists {
		return types.NewValidationError(types.UnknownDomain, "field %s not found", m.Target)
	}
	if !mustExist && exists {
		return types.NewValidationError(types.DuplicateFieldName, "field %s already exists; use UpdateField", m.Target)
	}
	return nil
}

func (v *Validator) checkRemove(tree *types.KnowledgeTree, m *types.Mutation, domainID types.DomainID, field string, hasField bool) *types.ValidationError {
	d, ok := tree.Domains[domainID]
	if !ok {
		return types.NewValidationError(types.UnknownDomain, "domain %s not found", domainID)
	}
	if !hasField {
		// Bare domain target removes the whole domain.
		for _, id := range types.FoundationalDomains {
			if id == domainID {
				return types.NewValidationError(types.ForbiddenRemoval, "foundational domain %s cannot be removed", domainID)
			}
		}
		return nil
	}
	if field == "confidence" {
		return types.NewValidationError(types.SchemaInvalid, "domain confidence cannot be removed")
	}
	if _, ok := d.Fields[field]; !ok {
		return types.NewValidationError(types.UnknownDomain, "field %s not found", m.Target)
	}
	return nil
}

func (v *Validator) checkAddDomain(tree *types.KnowledgeTree, m *types.Mutation, domainID types.DomainID, hasField bool) *types.ValidationError {
	if hasField {
		return types.NewValidationError(types.SchemaInvalid, "AddDomain target must be a bare domain id, got %q", m.Target)
	}
	if _, exists := tree.Domains[domainID]; exists {
		return types.NewValidationError(types.SchemaInvalid, "domain %s already exists", domainID)
	}
	var d types.Domain
	if err := decodeStrict(m.NewValue, &d); err != nil {
		return types.NewValidationError(types.SchemaInvalid, "domain payload: %v", err)
	}
	if !d.Type.Valid() {
		return types.NewValidationError(types.SchemaInvalid, "unknown domain type %q", d.Type)
	}
	if !d.Criticality.Valid() {
		return types.NewValidationError(types.SchemaInvalid, "unknown criticality %q", d.Criticality)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return types.NewValidationError(types.SchemaInvalid, "confidence %v out of [0,1]", d.Confidence)
	}
	if min := v.floor(d.Criticality); d.Confidence < min {
		return types.NewValidationError(types.ConfidenceBelowFloor,
			"%s confidence %.2f below %s floor %.2f", domainID, d.Confidence, d.Criticality, min)
	}
	for name, f := range d.Fields {
		if !fieldNameRe.MatchString(name) {
			return types.NewValidationError(types.SchemaInvalid, "field name %q is not lowercase snake case", name)
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			return types.NewValidationError(types.SchemaInvalid, "field %s confidence out of [0,1]", name)
		}
	}
	return nil
}

func (v *Validator) checkUpdateDomain(tree *types.KnowledgeTree, m *types.Mutation, domainID types.DomainID, hasField bool) *types.ValidationError {
	if hasField {
		return types.NewValidationError(types.SchemaInvalid, "UpdateDomain target must be a bare domain id, got %q", m.Target)
	}
	d, ok := tree.Domains[domainID]
	if !ok {
		return types.NewValidationError(types.UnknownDomain, "domain %s not found", domainID)
	}
	var patch struct {
		Confidence *float64 `json:"confidence"`
	}
	if err := decodeStrict(m.NewValue, &patch); err != nil {
		return types.NewValidationError(types.SchemaInvalid, "domain patch: %v", err)
	}
	if patch.Confidence != nil {
		if *patch.Confidence < 0 || *patch.Confidence > 1 {
			return types.NewValidationError(types.SchemaInvalid, "confidence %v out of [0,1]", *patch.Confidence)
		}
		if min := v.floor(d.Criticality); *patch.Confidence < min {
			return types.NewValidationError(types.ConfidenceBelowFloor,
				"%s confidence %.2f below %s floor %.2f", domainID, *patch.Confidence, d.Criticality, min)
		}
	}
	return nil
}

func decodeStrict(payload any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
