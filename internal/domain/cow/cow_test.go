package cow

import "testing"

func TestEnumsValid(t *testing.T) {
	for _, g := range Genders {
		if !g.Valid() {
			t.Errorf("Gender(%q).Valid() = false", g)
		}
	}
	for _, h := range HealthStatuses {
		if !h.Valid() {
			t.Errorf("HealthStatus(%q).Valid() = false", h)
		}
	}
	for _, s := range Sources {
		if !s.Valid() {
			t.Errorf("Source(%q).Valid() = false", s)
		}
	}
	if Gender("bull").Valid() || HealthStatus("dead").Valid() || Source("").Valid() {
		t.Error("unknown enum value reported valid")
	}
}

func TestLabels(t *testing.T) {
	if got := HealthUnderTreatment.Label(); got != "Under Treatment" {
		t.Errorf("Label() = %q", got)
	}
	if got := SourceTransferred.Label(); got != "Transferred" {
		t.Errorf("Label() = %q", got)
	}
}

func TestStringPtr(t *testing.T) {
	if StringPtr("   ") != nil {
		t.Error("StringPtr(blank) should be nil")
	}
	if p := StringPtr(" Ravi "); p == nil || *p != "Ravi" {
		t.Errorf("StringPtr() = %v", p)
	}
	if Deref(nil) != "" {
		t.Error("Deref(nil) should be empty")
	}
}
