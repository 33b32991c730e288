package gcap

import (
	"testing"
)

func TestFieldTypeIsValid(t *testing.T) {
	for _, ft := range FieldTypes {
		if !ft.IsValid() {
			t.Errorf("Expected %s to be valid", ft)
		}
	}
	if FieldType("Blob").IsValid() || FieldType("string").IsValid() {
		t.Error("Expected unknown and mis-cased types to be invalid")
	}
}

func TestPhaseIsValid(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseBefore, true},
		{PhaseOn, true},
		{PhaseAfter, true},
		{"around", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := tt.phase.IsValid(); got != tt.want {
			t.Errorf("Phase(%q).IsValid() = %v, want %v", tt.phase, got, tt.want)
		}
	}
}

func TestEventIsCRUD(t *testing.T) {
	for _, e := range []Event{EventCreate, EventRead, EventUpdate, EventDelete} {
		if !e.IsCRUD() {
			t.Errorf("Expected %s to be a CRUD event", e)
		}
	}
	for _, e := range []Event{"read", "orderBook", Wildcard, ""} {
		if e.IsCRUD() {
			t.Errorf("Expected %q not to be a CRUD event", e)
		}
	}
}

func TestAdapterInfoHasFeature(t *testing.T) {
	info := AdapterInfo{Name: "mem", Features: []Feature{FeatureTransactions, FeatureOptimistic}}

	if !info.HasFeature(FeatureOptimistic) {
		t.Error("Expected optimistic concurrency")
	}
	if info.HasFeature(FeaturePersistent) {
		t.Error("Expected no persistence")
	}
}

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		name       string
		event      Event
		target     string
		wantEvent  Event
		wantTarget string
	}{
		{"crud", EventRead, "Books", EventRead, "Books"},
		{"operation by target", "", "orderBook", "orderBook", "orderBook"},
		{"operation by event", "orderBook", "", "orderBook", "orderBook"},
		{"crud without target", EventRead, "", EventRead, ""},
		{"both given", "orderBook", "orderBook", "orderBook", "orderBook"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, target := normalizeTarget(tt.event, tt.target)
			if event != tt.wantEvent || target != tt.wantTarget {
				t.Errorf("normalizeTarget() = (%q, %q), want (%q, %q)", event, target, tt.wantEvent, tt.wantTarget)
			}
		})
	}
}

func TestAuthorized(t *testing.T) {
	admin := User{Name: "root", Roles: []string{"admin"}}

	tests := []struct {
		name  string
		p     Principal
		roles []string
		want  bool
	}{
		{"no roles", Anonymous{}, nil, true},
		{"nil principal", nil, []string{RoleAny}, true},
		{"anonymous any", Anonymous{}, []string{RoleAny}, true},
		{"anonymous authenticated", Anonymous{}, []string{RoleAuthenticated}, false},
		{"anonymous admin", Anonymous{}, []string{"admin"}, false},
		{"user authenticated", User{Name: "joe"}, []string{RoleAuthenticated}, true},
		{"user admin", User{Name: "joe"}, []string{"admin"}, false},
		{"admin", admin, []string{"admin"}, true},
		{"one of many", admin, []string{"support", "admin"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Authorized(tt.p, tt.roles...); got != tt.want {
				t.Errorf("Authorized() = %v, want %v", got, tt.want)
			}
		})
	}
}
