package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FlexInt decodes an integer that upstream sources publish as a number, a numeric string or null.
// Non-numeric strings such as "N/A" decode to zero.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = 0
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode flex int string: %w", err)
		}
		n, ok := parseNumber(strings.TrimSpace(s))
		if !ok {
			*f = 0
			return nil
		}
		*f = FlexInt(n)
		return nil
	}
	n, ok := parseNumber(string(trimmed))
	if !ok {
		return fmt.Errorf("invalid integer %q", string(trimmed))
	}
	*f = FlexInt(n)
	return nil
}

func parseNumber(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	fl, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(fl) || math.IsInf(fl, 0) {
		return 0, false
	}
	return int(fl), true
}

// ItemID is the required numeric key of a detail document. Unlike FlexInt it only accepts an
// integral JSON number or a string holding one; anything else is a decode error.
type ItemID int

// UnmarshalJSON implements json.Unmarshaler.
func (id *ItemID) UnmarshalJSON(data []byte) error {
	raw := string(bytes.TrimSpace(data))
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode item id string: %w", err)
		}
		raw = strings.TrimSpace(raw)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid item id %q", raw)
	}
	*id = ItemID(n)
	return nil
}
