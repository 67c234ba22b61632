package licensing

import "testing"

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		valid bool
		want  Status
	}{
		{name: "active", raw: "active", valid: true, want: StatusActive},
		{name: "uppercase_normalized", raw: "ACTIVE", valid: true, want: StatusActive},
		{name: "whitespace_trimmed", raw: "  trialing ", valid: true, want: StatusTrialing},
		{name: "past_due", raw: "past_due", valid: false, want: StatusPastDue},
		{name: "refunded", raw: "Refunded", valid: false, want: StatusRefunded},
		{name: "unrecognized_valid_maps_to_active", raw: "grandfathered", valid: true, want: StatusActive},
		{name: "unrecognized_invalid_maps_to_invalid", raw: "grandfathered", valid: false, want: StatusInvalid},
		{name: "empty_valid_maps_to_active", raw: "", valid: true, want: StatusActive},
		{name: "empty_invalid_maps_to_invalid", raw: "", valid: false, want: StatusInvalid},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseStatus(tt.raw, tt.valid); got != tt.want {
				t.Errorf("ParseStatus(%q, %v) = %q, want %q", tt.raw, tt.valid, got, tt.want)
			}
		})
	}
}

func TestStatusClassification(t *testing.T) {
	entitling := []Status{StatusActive, StatusTrialing, StatusCompleted}
	soft := []Status{StatusExpired, StatusCanceled, StatusSuspended, StatusPastDue}
	terminal := []Status{StatusRefunded, StatusBlocked, StatusInvalid}

	for _, s := range entitling {
		if !s.IsEntitling() || s.IsSoftLoss() || s.IsTerminal() {
			t.Errorf("status %q should classify as entitling only", s)
		}
	}
	for _, s := range soft {
		if s.IsEntitling() || !s.IsSoftLoss() || s.IsTerminal() {
			t.Errorf("status %q should classify as soft loss only", s)
		}
		if !GetStatusBehavior(s).RetainsKey {
			t.Errorf("soft loss status %q should retain the stored key", s)
		}
	}
	for _, s := range terminal {
		if s.IsEntitling() || s.IsSoftLoss() || !s.IsTerminal() {
			t.Errorf("status %q should classify as terminal only", s)
		}
		if GetStatusBehavior(s).RetainsKey {
			t.Errorf("terminal status %q should not retain the stored key", s)
		}
	}
}

func TestGetStatusBehaviorUnknownDefaultsToInvalid(t *testing.T) {
	b := GetStatusBehavior(Status("made_up"))
	if b.Status != StatusInvalid {
		t.Fatalf("unknown status behavior = %q, want invalid", b.Status)
	}
	if b.RetainsKey {
		t.Fatal("unknown status must not retain the key")
	}
}

func TestStatusUnknownIsNotEntitling(t *testing.T) {
	if StatusUnknown.IsEntitling() {
		t.Fatal("the unknown status must never grant features")
	}
}
