package types

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sampleTree() *KnowledgeTree {
	ts := time.Date(2025, 7, 4, 7, 0, 0, 0, time.UTC)
	return &KnowledgeTree{
		Version:     "1.0.0",
		LastUpdated: ts,
		Domains: map[DomainID]Domain{
			DomainOrganizacion: {
				Type:        TypeFoundational,
				Criticality: CriticalityHigh,
				Owner:       "core",
				Confidence:  0.9,
				Fields: map[string]Field{
					"nombre": {Value: "Acme", Confidence: 0.95, Source: "founder", Timestamp: ts},
				},
			},
			DomainMercado: {
				Type:         TypeMarketContext,
				Criticality:  CriticalityMedium,
				Owner:        "core",
				Dependencies: []DomainID{DomainOrganizacion},
				Confidence:   0.7,
				Fields:       map[string]Field{},
			},
		},
	}
}

func TestCanonicalContentDeterministic(t *testing.T) {
	tree := sampleTree()

	a, err := tree.CanonicalContent()
	if err != nil {
		t.Fatalf("CanonicalContent: %v", err)
	}
	b, err := tree.CanonicalContent()
	if err != nil {
		t.Fatalf("CanonicalContent: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("canonical bytes differ between calls")
	}

	// A clone must canonicalize to the same bytes.
	c, err := tree.Clone().CanonicalContent()
	if err != nil {
		t.Fatalf("CanonicalContent(clone): %v", err)
	}
	if !bytes.Equal(a, c) {
		t.Errorf("clone canonical bytes differ from original")
	}
}

func TestCanonicalContentExcludesDerivedFields(t *testing.T) {
	tree := sampleTree()
	a, err := tree.ComputeHash()
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}

	tree.ContextHash = "something"
	tree.CoherenceScore = 0.99
	b, err := tree.ComputeHash()
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if a != b {
		t.Errorf("hash changed when only derived fields changed: %s vs %s", a, b)
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]int{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":1,"b":2,"c":3}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestTreeCloneIsDeep(t *testing.T) {
	tree := sampleTree()
	clone := tree.Clone()

	d := clone.Domains[DomainOrganizacion]
	d.Fields["nombre"] = Field{Value: "Other", Confidence: 0.1, Source: "x", Timestamp: time.Now().UTC()}
	d.Dependencies = append(d.Dependencies, DomainMercado)
	clone.Domains[DomainOrganizacion] = d

	if diff := cmp.Diff(sampleTree(), tree); diff != "" {
		t.Errorf("original tree mutated through clone (-want +got):\n%s", diff)
	}
}

func TestTreeRoundTrip(t *testing.T) {
	tree := sampleTree()
	b, err := tree.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	back, err := UnmarshalTree(b)
	if err != nil {
		t.Fatalf("UnmarshalTree: %v", err)
	}
	a1, _ := tree.CanonicalContent()
	a2, _ := back.CanonicalContent()
	if !bytes.Equal(a1, a2) {
		t.Errorf("round trip changed canonical content")
	}
}

func TestCriticalityFloors(t *testing.T) {
	tests := []struct {
		c    Criticality
		want float64
	}{
		{CriticalityHigh, 0.8},
		{CriticalityMedium, 0.6},
		{CriticalityLow, 0.4},
	}
	for _, tt := range tests {
		if got := tt.c.Floor(); got != tt.want {
			t.Errorf("Floor(%s) = %v, want %v", tt.c, got, tt.want)
		}
	}
}
