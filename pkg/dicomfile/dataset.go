// Package dicomfile reads DICOM Part-10 files from the object cache and
// renders their attributes in the DICOM JSON model.
package dicomfile

import (
	"fmt"
	"strconv"
	"strings"
)

// Attribute is one entry of a DICOM JSON dataset
type Attribute struct {
	VR           string `json:"vr"`
	Value        []any  `json:"Value,omitempty"`
	InlineBinary []byte `json:"InlineBinary,omitempty"`
	BulkDataURI  string `json:"BulkDataURI,omitempty"`
}

// Dataset maps an 8 hex digit tag key (e.g. "0020000D") to its attribute
type Dataset map[string]Attribute

// PersonName is the DICOM JSON form of a PN value
type PersonName struct {
	Alphabetic string `json:"Alphabetic,omitempty"`
}

// Key formats a group/element pair as a DICOM JSON tag key
func Key(group, element uint16) string {
	return fmt.Sprintf("%04X%04X", group, element)
}

// String returns the first value of key as a string, or "" when absent
func (d Dataset) String(key string) string {
	attr, ok := d[key]
	if !ok || len(attr.Value) == 0 {
		return ""
	}
	switch v := attr.Value[0].(type) {
	case string:
		return v
	case PersonName:
		return v.Alphabetic
	case map[string]any:
		// PN values decoded from JSON
		if s, ok := v["Alphabetic"].(string); ok {
			return s
		}
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the first value of key as an int, or def when absent or not numeric
func (d Dataset) Int(key string, def int) int {
	attr, ok := d[key]
	if !ok || len(attr.Value) == 0 {
		return def
	}
	switch v := attr.Value[0].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Set stores a single-valued attribute
func (d Dataset) Set(key, vr string, value any) {
	d[key] = Attribute{VR: vr, Value: []any{value}}
}

// Merge copies every attribute of other into d, overwriting existing keys
func (d Dataset) Merge(other Dataset) {
	for k, v := range other {
		d[k] = v
	}
}

// Clone returns a shallow copy
func (d Dataset) Clone() Dataset {
	out := make(Dataset, len(d))
	out.Merge(d)
	return out
}
