package activity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Activity types written by the cow actions.
const (
	TypeCowRegistration = "cow_registration"
	TypeCowUpdate       = "cow_update"
)

// Details is free-form JSON attached to an entry.
type Details map[string]interface{}

// Value implements driver.Valuer for jsonb columns.
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for jsonb columns.
func (d *Details) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("activity details: unsupported type %T", src)
	}
	return json.Unmarshal(raw, d)
}

// Entry is one row of the activity log.
type Entry struct {
	ID           string    `json:"id,omitempty" db:"id"`
	ActivityType string    `json:"activity_type" db:"activity_type"`
	Description  string    `json:"description" db:"description"`
	EntityID     *string   `json:"entity_id" db:"entity_id"`
	CreatedBy    *string   `json:"created_by" db:"created_by"`
	Details      Details   `json:"details,omitempty" db:"details"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`

	// Author fields are joined from profiles and never written.
	AuthorEmail string `json:"-" db:"author_email"`
	AuthorName  string `json:"-" db:"author_name"`
}

// Author returns the best available display name for the entry's creator.
func (e Entry) Author() string {
	switch {
	case e.AuthorName != "":
		return e.AuthorName
	case e.AuthorEmail != "":
		return e.AuthorEmail
	default:
		return "System"
	}
}
