package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request identifier: either an integer or a string.
// The zero value is the number 0. ID is comparable and can be used as a
// map key.
type ID struct {
	str   string
	num   int64
	isStr bool
}

// NumberID returns a numeric ID.
func NumberID(n int64) ID {
	return ID{num: n}
}

// StringID returns a string ID.
func StringID(s string) ID {
	return ID{str: s, isStr: true}
}

// IsString reports whether the ID was sent as a JSON string.
func (id ID) IsString() bool { return id.isStr }

// Int64 returns the numeric value and whether the ID is numeric.
func (id ID) Int64() (int64, bool) {
	if id.isStr {
		return 0, false
	}
	return id.num, true
}

// String returns the ID formatted for logs. Numeric and string IDs that
// look alike are still distinct values.
func (id ID) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return strconv.AppendInt(nil, id.num, 10), nil
}

// UnmarshalJSON implements json.Unmarshaler. Fractional numbers are rejected.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("jsonrpc: id must be a string or integer, got %s", data)
	}
	*id = NumberID(n)
	return nil
}
