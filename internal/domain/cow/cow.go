package cow

import (
	"strings"
	"time"
)

// Gender of a registered animal. Calves are tracked separately from adults.
type Gender string

const (
	GenderFemale Gender = "female"
	GenderMale   Gender = "male"
	GenderCalf   Gender = "calf"
)

// Genders lists every gender in display order.
var Genders = []Gender{GenderFemale, GenderMale, GenderCalf}

// HealthStatus of an animal.
type HealthStatus string

const (
	HealthHealthy        HealthStatus = "healthy"
	HealthSick           HealthStatus = "sick"
	HealthUnderTreatment HealthStatus = "under_treatment"
	HealthQuarantine     HealthStatus = "quarantine"
)

// HealthStatuses lists every status in display order.
var HealthStatuses = []HealthStatus{HealthHealthy, HealthSick, HealthUnderTreatment, HealthQuarantine}

// NeedsCare are the statuses counted as needing attention.
var NeedsCare = []HealthStatus{HealthUnderTreatment, HealthSick, HealthQuarantine}

// Source describes how the animal arrived at the shelter.
type Source string

const (
	SourceDonation    Source = "donation"
	SourceRescue      Source = "rescue"
	SourceBirth       Source = "birth"
	SourceStray       Source = "stray"
	SourceTransferred Source = "transferred"
)

// Sources lists every source in display order.
var Sources = []Source{SourceDonation, SourceRescue, SourceBirth, SourceStray, SourceTransferred}

// Cow is one registered animal.
type Cow struct {
	ID           string       `json:"id,omitempty" db:"id"`
	TrackingID   string       `json:"tracking_id" db:"tracking_id"`
	Gender       Gender       `json:"gender" db:"gender"`
	HealthStatus HealthStatus `json:"health_status" db:"health_status"`
	Source       Source       `json:"source" db:"source"`
	AdopterName  *string      `json:"adopter_name" db:"adopter_name"`
	PhotoURL     *string      `json:"photo_url" db:"photo_url"`
	Notes        *string      `json:"notes" db:"notes"`
	CreatedBy    *string      `json:"created_by,omitempty" db:"created_by"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// Valid reports whether g is a known gender.
func (g Gender) Valid() bool {
	for _, v := range Genders {
		if v == g {
			return true
		}
	}
	return false
}

// Valid reports whether h is a known health status.
func (h HealthStatus) Valid() bool {
	for _, v := range HealthStatuses {
		if v == h {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	for _, v := range Sources {
		if v == s {
			return true
		}
	}
	return false
}

// Label renders a status for display, e.g. "Under Treatment".
func (h HealthStatus) Label() string {
	return titleWords(string(h))
}

// Label renders a gender for display.
func (g Gender) Label() string {
	return titleWords(string(g))
}

// Label renders a source for display.
func (s Source) Label() string {
	return titleWords(string(s))
}

func titleWords(v string) string {
	parts := strings.Split(v, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

// StringPtr returns nil for blank input and a trimmed copy otherwise.
func StringPtr(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// Deref returns the pointed-to string or "".
func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
