package knowledge

import (
	"encoding/json"
	"fmt"

	"coherencebus/internal/types"
)

// Diff records what a mutation changed, for WAL records and fragment
// projection.
type Diff struct {
	Domains []types.DomainID `json:"domains"`
	Fields  []string         `json:"fields,omitempty"` // full "DOMAIN.field" targets
}

// Touches reports whether the diff intersects the given domain set.
func (d Diff) Touches(ids map[types.DomainID]bool) bool {
	for _, id := range d.Domains {
		if ids[id] {
			return true
		}
	}
	return false
}

// domainPatch is the partial-update payload UpdateDomain accepts.
type domainPatch struct {
	Owner        *string          `json:"owner,omitempty"`
	Dependencies []types.DomainID `json:"dependencies,omitempty"`
	Confidence   *float64         `json:"confidence,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
}

// fieldPatch is the payload AddInsight/UpdateField accept when the new value
// carries an explicit confidence; a bare value uses the mutation confidence.
type fieldPatch struct {
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// asFloat extracts a numeric payload value, tolerating json.Number decoding.
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

// decodeInto round-trips an untyped payload through JSON into dst.
func decodeInto(payload any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Apply mutates the working tree in place and returns the diff. The caller
// owns the working copy; the canonical tree is never touched here. Validation
// has already run, so failures here indicate targets that disappeared under a
// conflicting commit and surface as ErrConflict at the commit layer.
func Apply(working *types.KnowledgeTree, m *types.Mutation) (Diff, error) {
	domainID := m.TargetDomain()
	field, hasField := m.TargetField()

	switch m.Type {
	case types.MutationAddInsight, types.MutationUpdateField:
		if !hasField {
			return Diff{}, fmt.Errorf("%s requires a DOMAIN.field target, got %q", m.Type, m.Target)
		}
		d, ok := working.Domains[domainID]
		if !ok {
			return Diff{}, fmt.Errorf("domain %s not found", domainID)
		}
		// "confidence" is a reserved field name addressing the domain-level
		// confidence rather than an entry in the fields map.
		if field == "confidence" {
			conf, ok := asFloat(m.NewValue)
			if !ok {
				return Diff{}, fmt.Errorf("confidence target needs a numeric value, got %T", m.NewValue)
			}
			m.PreviousValue = d.Confidence
			d.Confidence = conf
			working.Domains[domainID] = d
			return Diff{Domains: []types.DomainID{domainID}, Fields: []string{m.Target}}, nil
		}
		if m.Type == types.MutationUpdateField {
			if _, ok := d.Fields[field]; !ok {
				return Diff{}, fmt.Errorf("field %s not found", m.Target)
			}
		}

		f := types.Field{
			Confidence: m.Confidence,
			Source:     m.Source,
			Timestamp:  m.Timestamp,
		}
		var patch fieldPatch
		if err := decodeInto(m.NewValue, &patch); err == nil && patch.Value != nil {
			f.Value = patch.Value
			if patch.Confidence != nil {
				f.Confidence = *patch.Confidence
			}
			f.Tags = patch.Tags
		} else {
			f.Value = m.NewValue
		}
		if prev, ok := d.Fields[field]; ok {
			m.PreviousValue = prev.Value
		}
		d.Fields[field] = f
		working.Domains[domainID] = d
		return Diff{Domains: []types.DomainID{domainID}, Fields: []string{m.Target}}, nil

	case types.MutationRemoveField:
		d, ok := working.Domains[domainID]
		if !ok {
			return Diff{}, fmt.Errorf("domain %s not found", domainID)
		}
		if !hasField {
			// A bare domain target removes the whole domain. Foundational
			// domains are protected by the validator before this runs.
			delete(working.Domains, domainID)
			return Diff{Domains: []types.DomainID{domainID}}, nil
		}
		prev, ok := d.Fields[field]
		if !ok {
			return Diff{}, fmt.Errorf("field %s not found", m.Target)
		}
		m.PreviousValue = prev.Value
		delete(d.Fields, field)
		working.Domains[domainID] = d
		return Diff{Domains: []types.DomainID{domainID}, Fields: []string{m.Target}}, nil

	case types.MutationAddDomain:
		if _, exists := working.Domains[domainID]; exists {
			return Diff{}, fmt.Errorf("domain %s already exists", domainID)
		}
		var d types.Domain
		if err := decodeInto(m.NewValue, &d); err != nil {
			return Diff{}, fmt.Errorf("decode domain payload: %w", err)
		}
		if d.Fields == nil {
			d.Fields = make(map[string]types.Field)
		}
		working.Domains[domainID] = d
		return Diff{Domains: []types.DomainID{domainID}}, nil

	case types.MutationUpdateDomain:
		d, ok := working.Domains[domainID]
		if !ok {
			return Diff{}, fmt.Errorf("domain %s not found", domainID)
		}
		var patch domainPatch
		if err := decodeInto(m.NewValue, &patch); err != nil {
			return Diff{}, fmt.Errorf("decode domain patch: %w", err)
		}
		m.PreviousValue = map[string]any{
			"owner":        d.Owner,
			"dependencies": d.Dependencies,
			"confidence":   d.Confidence,
			"tags":         d.Tags,
		}
		if patch.Owner != nil {
			d.Owner = *patch.Owner
		}
		if patch.Dependencies != nil {
			d.Dependencies = patch.Dependencies
		}
		if patch.Confidence != nil {
			d.Confidence = *patch.Confidence
		}
		if patch.Tags != nil {
			d.Tags = patch.Tags
		}
		working.Domains[domainID] = d
		return Diff{Domains: []types.DomainID{domainID}}, nil

	default:
		return Diff{}, fmt.Errorf("unknown mutation type %q", m.Type)
	}
}
