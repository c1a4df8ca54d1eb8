// Package period models bounded accounting periods for closing-the-books
// workflows: a granularity (yearly down to hourly) and concrete period
// identifiers derived from wall-clock time, always in UTC.
package period

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the granularity of an accounting period.
type Type int

const (
	None Type = iota
	Hourly
	Daily
	Monthly
	Yearly
)

func (t Type) String() string {
	switch t {
	case Hourly:
		return "HOURLY"
	case Daily:
		return "DAILY"
	case Monthly:
		return "MONTHLY"
	case Yearly:
		return "YEARLY"
	default:
		return "NONE"
	}
}

// ParseType parses a period type name as used in configuration.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "NONE":
		return None, nil
	case "HOURLY":
		return Hourly, nil
	case "DAILY":
		return Daily, nil
	case "MONTHLY":
		return Monthly, nil
	case "YEARLY":
		return Yearly, nil
	default:
		return None, fmt.Errorf("unknown period type: %q", s)
	}
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ID identifies one concrete period. Fields beyond the granularity are
// zero: a Monthly ID carries Year and Month only.
type ID struct {
	Type  Type `json:"type"`
	Year  int  `json:"year,omitempty"`
	Month int  `json:"month,omitempty"`
	Day   int  `json:"day,omitempty"`
	Hour  int  `json:"hour,omitempty"`
}

// CurrentID returns the period containing the given instant. None has no
// periods and returns the zero ID.
func (t Type) CurrentID(now time.Time) ID {
	now = now.UTC()
	switch t {
	case Yearly:
		return ID{Type: t, Year: now.Year()}
	case Monthly:
		return ID{Type: t, Year: now.Year(), Month: int(now.Month())}
	case Daily:
		return ID{Type: t, Year: now.Year(), Month: int(now.Month()), Day: now.Day()}
	case Hourly:
		return ID{Type: t, Year: now.Year(), Month: int(now.Month()), Day: now.Day(), Hour: now.Hour()}
	default:
		return ID{}
	}
}

// IsZero reports whether id is the zero ID (no period).
func (id ID) IsZero() bool {
	return id == ID{}
}

// Start returns the instant the period begins, in UTC.
func (id ID) Start() time.Time {
	switch id.Type {
	case Yearly:
		return time.Date(id.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(id.Year, time.Month(id.Month), 1, 0, 0, 0, 0, time.UTC)
	case Daily:
		return time.Date(id.Year, time.Month(id.Month), id.Day, 0, 0, 0, 0, time.UTC)
	case Hourly:
		return time.Date(id.Year, time.Month(id.Month), id.Day, id.Hour, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Previous returns the period immediately before id: the one containing the
// instant just before id starts.
func (id ID) Previous() ID {
	if id.Type == None || id.IsZero() {
		return ID{}
	}
	return id.Type.CurrentID(id.Start().Add(-time.Second))
}

// Key renders the canonical period key: "2025", "2025-12", "2025-12-03" or
// "2025-12-03T14" depending on granularity.
func (id ID) Key() string {
	switch id.Type {
	case Yearly:
		return fmt.Sprintf("%04d", id.Year)
	case Monthly:
		return fmt.Sprintf("%04d-%02d", id.Year, id.Month)
	case Daily:
		return fmt.Sprintf("%04d-%02d-%02d", id.Year, id.Month, id.Day)
	case Hourly:
		return fmt.Sprintf("%04d-%02d-%02dT%02d", id.Year, id.Month, id.Day, id.Hour)
	default:
		return ""
	}
}

func (id ID) String() string { return id.Key() }

// ParseID parses a canonical period key back into an ID. The granularity is
// inferred from the key's shape.
func ParseID(key string) (ID, error) {
	var id ID
	switch len(key) {
	case 4:
		id.Type = Yearly
		if _, err := fmt.Sscanf(key, "%04d", &id.Year); err != nil {
			return ID{}, fmt.Errorf("invalid period key %q: %w", key, err)
		}
	case 7:
		id.Type = Monthly
		if _, err := fmt.Sscanf(key, "%04d-%02d", &id.Year, &id.Month); err != nil {
			return ID{}, fmt.Errorf("invalid period key %q: %w", key, err)
		}
	case 10:
		id.Type = Daily
		if _, err := fmt.Sscanf(key, "%04d-%02d-%02d", &id.Year, &id.Month, &id.Day); err != nil {
			return ID{}, fmt.Errorf("invalid period key %q: %w", key, err)
		}
	case 13:
		id.Type = Hourly
		if _, err := fmt.Sscanf(key, "%04d-%02d-%02dT%02d", &id.Year, &id.Month, &id.Day, &id.Hour); err != nil {
			return ID{}, fmt.Errorf("invalid period key %q: %w", key, err)
		}
	default:
		return ID{}, fmt.Errorf("invalid period key %q", key)
	}
	if id != id.Type.CurrentID(id.Start()) {
		return ID{}, fmt.Errorf("invalid period key %q", key)
	}
	return id, nil
}

// Tags returns the "key=value" strings that stamp an event into the period,
// from year down to the granularity. The zero ID yields nil.
func (id ID) Tags() []string {
	if id.Type == None || id.IsZero() {
		return nil
	}
	tags := []string{fmt.Sprintf("year=%d", id.Year)}
	if id.Type == Monthly || id.Type == Daily || id.Type == Hourly {
		tags = append(tags, fmt.Sprintf("month=%d", id.Month))
	}
	if id.Type == Daily || id.Type == Hourly {
		tags = append(tags, fmt.Sprintf("day=%d", id.Day))
	}
	if id.Type == Hourly {
		tags = append(tags, fmt.Sprintf("hour=%d", id.Hour))
	}
	return tags
}
