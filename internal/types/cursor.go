package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Cursor maps an item type name to the newest upstream timestamp or id seen.
// It is the resumable high-water mark of a provider account.
type Cursor map[string]string

// cursorTimeLayouts are tried in order when comparing timestamp values
var cursorTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Get returns the value for an item type and whether it is set
func (c Cursor) Get(itemType ItemType) (string, bool) {
	v, ok := c[string(itemType)]
	return v, ok
}

// Clone returns an independent copy of the cursor
func (c Cursor) Clone() Cursor {
	out := make(Cursor, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a new cursor holding, per item type, the greater of c and newer.
// The receiver is not modified and no key ever moves backwards.
func (c Cursor) Merge(newer Cursor) Cursor {
	out := c.Clone()
	for k, v := range newer {
		if v == "" {
			continue
		}
		current, ok := out[k]
		if !ok || CompareCursorValues(v, current) > 0 {
			out[k] = v
		}
	}
	return out
}

// Advances reports whether merging newer into c would move any key forward
func (c Cursor) Advances(newer Cursor) bool {
	for k, v := range newer {
		if v == "" {
			continue
		}
		current, ok := c[k]
		if !ok || CompareCursorValues(v, current) > 0 {
			return true
		}
	}
	return false
}

// CompareCursorValues orders two cursor values. Integers compare numerically,
// timestamps chronologically, anything else lexicographically.
func CompareCursorValues(a, b string) int {
	if ai, err := strconv.ParseInt(a, 10, 64); err == nil {
		if bi, err := strconv.ParseInt(b, 10, 64); err == nil {
			return compareInt64(ai, bi)
		}
	}
	if at, ok := parseCursorTime(a); ok {
		if bt, ok := parseCursorTime(b); ok {
			return at.Compare(bt)
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func parseCursorTime(s string) (time.Time, bool) {
	for _, layout := range cursorTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Value implements driver.Valuer so the cursor can be stored as JSONB
func (c Cursor) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner for JSONB columns
func (c *Cursor) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*c = Cursor{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Cursor", src)
	}
	out := Cursor{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("failed to decode cursor: %w", err)
		}
	}
	*c = out
	return nil
}
