package query

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Resolve maps a DICOMweb attribute name to its 8 hex digit key. Both
// keywords ("PatientName") and keys ("00100010") are accepted.
func Resolve(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if isHexKey(name) {
		return strings.ToUpper(name), true
	}
	info, err := tag.FindByName(name)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%04X%04X", info.Tag.Group, info.Tag.Element), true
}

func isHexKey(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
