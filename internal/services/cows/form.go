package cows

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gaushala/shelter/internal/domain/cow"
	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/services/upload"
)

// DateTimeLayouts are accepted for the registration date, tried in order.
// Layouts without an offset are read in the server's location.
var DateTimeLayouts = []string{"2006-01-02T15:04", "2006-01-02T15:04:05", time.RFC3339}

// Form is the submitted registration or edit form.
type Form struct {
	TrackingID   string `validate:"max=64"`
	DateTime     string
	Gender       string `validate:"required,cowgender"`
	HealthStatus string `validate:"omitempty,cowhealth"`
	Source       string `validate:"required,cowsource"`
	AdopterName  string `validate:"max=200"`
	Notes        string `validate:"max=4000"`
	Photo        *upload.File
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func formValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("cowgender", func(fl validator.FieldLevel) bool {
			return cow.Gender(fl.Field().String()).Valid()
		})
		_ = validate.RegisterValidation("cowhealth", func(fl validator.FieldLevel) bool {
			return cow.HealthStatus(fl.Field().String()).Valid()
		})
		_ = validate.RegisterValidation("cowsource", func(fl validator.FieldLevel) bool {
			return cow.Source(fl.Field().String()).Valid()
		})
	})
	return validate
}

var fieldLabels = map[string]string{
	"TrackingID":   "Tracking ID",
	"Gender":       "Gender",
	"HealthStatus": "Health status",
	"Source":       "Source",
	"AdopterName":  "Adopter name",
	"Notes":        "Notes",
}

var fieldKeys = map[string]string{
	"TrackingID":   "tracking_id",
	"Gender":       "gender",
	"HealthStatus": "health_status",
	"Source":       "source",
	"AdopterName":  "adopter_name",
	"Notes":        "notes",
}

// normalize trims every text field in place.
func (f *Form) normalize() {
	f.TrackingID = strings.TrimSpace(f.TrackingID)
	f.DateTime = strings.TrimSpace(f.DateTime)
	f.Gender = strings.TrimSpace(f.Gender)
	f.HealthStatus = strings.TrimSpace(f.HealthStatus)
	f.Source = strings.TrimSpace(f.Source)
	f.AdopterName = strings.TrimSpace(f.AdopterName)
	f.Notes = strings.TrimSpace(f.Notes)
}

// Validate checks the form and returns the first failure as a validation
// error, e.g. "Gender is required".
func (f *Form) Validate() error {
	f.normalize()
	err := formValidator().Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.BadRequest("invalid form")
	}
	fe := verrs[0]
	label := fieldLabels[fe.Field()]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = label + " is required"
	case "max":
		msg = fmt.Sprintf("%s must be at most %s characters", label, fe.Param())
	default:
		msg = fmt.Sprintf("Invalid %s: %q", strings.ToLower(label), fe.Value())
	}
	return apperrors.Validation(fieldKeys[fe.Field()], msg)
}

// ParseDateTime reads a submitted date. An empty value returns the zero time.
func ParseDateTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range DateTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperrors.Validation("date_time", "Invalid registration date")
}
