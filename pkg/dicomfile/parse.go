package dicomfile

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrParse is returned when a file cannot be read as DICOM
var ErrParse = errors.New("dicom parse error")

// inline binary values above this size are dropped from JSON output
const maxInlineBinary = 4096

// Identity holds the UIDs that place a file in the object cache
type Identity struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
}

// ReadIdentity parses the header of path and returns its UIDs. Pixel data is
// never loaded.
func ReadIdentity(path string) (*Identity, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}

	id := &Identity{
		StudyInstanceUID:  firstString(ds, tag.StudyInstanceUID),
		SeriesInstanceUID: firstString(ds, tag.SeriesInstanceUID),
		SOPInstanceUID:    firstString(ds, tag.SOPInstanceUID),
		SOPClassUID:       firstString(ds, tag.SOPClassUID),
		TransferSyntaxUID: firstString(ds, tag.TransferSyntaxUID),
	}
	if id.StudyInstanceUID == "" || id.SOPInstanceUID == "" {
		return nil, fmt.Errorf("%w: %s: missing study or instance uid", ErrParse, path)
	}
	return id, nil
}

// TransferSyntax returns the transfer syntax UID from the file meta group
func TransferSyntax(path string) (string, error) {
	id, err := ReadIdentity(path)
	if err != nil {
		return "", err
	}
	return id.TransferSyntaxUID, nil
}

// Read parses every element of path except pixel data into DICOM JSON
func Read(path string) (Dataset, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	return convert(ds.Elements), nil
}

// Parse reads an in-memory Part-10 object, such as a network response
// identifier. The file meta group is not part of the result.
func Parse(data []byte) (Dataset, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	out := convert(ds.Elements)
	for key := range out {
		if strings.HasPrefix(key, "0002") {
			delete(out, key)
		}
	}
	return out, nil
}

func convert(elems []*dicom.Element) Dataset {
	out := make(Dataset, len(elems))
	for _, elem := range elems {
		if elem == nil || elem.Tag == tag.PixelData {
			continue
		}
		attr, ok := convertElement(elem)
		if !ok {
			continue
		}
		out[Key(elem.Tag.Group, elem.Tag.Element)] = attr
	}
	return out
}

func convertElement(elem *dicom.Element) (Attribute, bool) {
	vr := elem.RawValueRepresentation
	attr := Attribute{VR: vr}
	if elem.Value == nil {
		return attr, true
	}

	switch v := elem.Value.GetValue().(type) {
	case []string:
		for _, s := range v {
			s = strings.TrimRight(s, " \x00")
			switch vr {
			case "PN":
				attr.Value = append(attr.Value, PersonName{Alphabetic: s})
			case "IS":
				n, err := strconv.Atoi(strings.TrimSpace(s))
				if err != nil {
					attr.Value = append(attr.Value, s)
					continue
				}
				attr.Value = append(attr.Value, n)
			case "DS":
				f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
				if err != nil {
					attr.Value = append(attr.Value, s)
					continue
				}
				attr.Value = append(attr.Value, f)
			default:
				attr.Value = append(attr.Value, s)
			}
		}
	case []int:
		for _, n := range v {
			attr.Value = append(attr.Value, n)
		}
	case []float64:
		for _, f := range v {
			attr.Value = append(attr.Value, f)
		}
	case []byte:
		if len(v) <= maxInlineBinary {
			attr.InlineBinary = v
		}
	case []*dicom.SequenceItemValue:
		for _, item := range v {
			nested, ok := item.GetValue().([]*dicom.Element)
			if !ok {
				continue
			}
			attr.Value = append(attr.Value, convert(nested))
		}
	default:
		return attr, false
	}
	return attr, true
}

// RawElement returns the raw bytes of a binary element, such as an
// encapsulated document
func RawElement(path string, group, element uint16) ([]byte, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	elem, err := ds.FindElementByTag(tag.Tag{Group: group, Element: element})
	if err != nil {
		return nil, fmt.Errorf("element %s not present: %w", Key(group, element), err)
	}
	b, ok := elem.Value.GetValue().([]byte)
	if !ok {
		return nil, fmt.Errorf("element %s is not binary", Key(group, element))
	}
	return b, nil
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return ""
	}
	v, ok := elem.Value.GetValue().([]string)
	if !ok || len(v) == 0 {
		return ""
	}
	return strings.TrimRight(v[0], " \x00")
}
