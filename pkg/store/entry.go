package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

var (
	// ErrCorrupt indicates persisted state that could not be decoded.
	ErrCorrupt = errors.New("corrupt persisted state")
)

// dayLayout is the format of LastFullReauthDate.
const dayLayout = "2006-01-02"

// Entry is the persisted state of one account.
type Entry struct {
	// Balance is the last known balance in USD.
	Balance float64 `json:"balance"`

	// UpdatedAt is when Balance was obtained.
	UpdatedAt time.Time `json:"updatedAt"`

	// LastFullReauthDate is the cycle day (YYYY-MM-DD) of the last successful
	// slow-path query, or empty if there never was one.
	LastFullReauthDate string `json:"lastFullReauthDate,omitempty"`
}

// ReauthedOn reports whether a full re-authentication happened on day.
func (e Entry) ReauthedOn(day string) bool {
	return e.LastFullReauthDate != "" && e.LastFullReauthDate == day
}

// UnmarshalJSON accepts the current shape as well as older files that used
// snake_case keys and stored the balance as a display string such as "$12.50".
func (e *Entry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	// Oldest files mapped the account straight to its balance.
	if len(data) > 0 && data[0] != '{' {
		b, err := parseBalance(data)
		if err != nil {
			return err
		}
		*e = Entry{Balance: b}
		return nil
	}

	var raw struct {
		Balance         json.RawMessage `json:"balance"`
		UpdatedAt       string          `json:"updatedAt"`
		UpdatedAtLegacy string          `json:"updated_at"`
		LastReauth      string          `json:"lastFullReauthDate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	b, err := parseBalance(raw.Balance)
	if err != nil {
		return err
	}

	updated := raw.UpdatedAt
	if updated == "" {
		updated = raw.UpdatedAtLegacy
	}

	*e = Entry{
		Balance:            b,
		UpdatedAt:          parseTimestamp(updated),
		LastFullReauthDate: raw.LastReauth,
	}
	return nil
}

func parseBalance(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing balance")
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("balance %s: %w", raw, err)
	}
	d, err := balance.ParseAmount(s)
	if err != nil {
		return 0, err
	}
	return balance.USD(d), nil
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO form older files
// used. Unparseable values yield the zero time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t
		}
	}
	return time.Time{}
}
