// Package query holds the query/retrieve level model and builds C-FIND
// identifiers from DICOMweb search parameters.
package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

// ErrInvalidLevel is returned for a level string outside STUDY, SERIES, IMAGE
var ErrInvalidLevel = errors.New("invalid query level")

// Level is the query/retrieve hierarchy level
type Level int

const (
	LevelStudy Level = iota + 1
	LevelSeries
	LevelImage
)

// Attribute keys used across the gateway
const (
	TagQueryRetrieveLevel   = "00080052"
	TagStudyInstanceUID     = "0020000D"
	TagSeriesInstanceUID    = "0020000E"
	TagSOPInstanceUID       = "00080018"
	TagSOPClassUID          = "00080016"
	TagPatientName          = "00100010"
	TagReferringPhysician   = "00080090"
	TagStudyDescription     = "00081030"
	TagSeriesDescription    = "0008103E"
	TagRetrieveURL          = "00081190"
	TagInstanceNumber       = "00200013"
	TagEncapsulatedDocument = "00420011"
)

// ParseLevel converts the wire form of a level
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STUDY":
		return LevelStudy, nil
	case "SERIES":
		return LevelSeries, nil
	case "IMAGE", "INSTANCE":
		return LevelImage, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

func (l Level) String() string {
	switch l {
	case LevelStudy:
		return "STUDY"
	case LevelSeries:
		return "SERIES"
	case LevelImage:
		return "IMAGE"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Valid reports whether l is one of the three levels
func (l Level) Valid() bool {
	return l >= LevelStudy && l <= LevelImage
}

// DefaultTags returns the return keys requested at this level when the
// caller names none.
func (l Level) DefaultTags() []string {
	var src []string
	switch l {
	case LevelStudy:
		src = studyTags
	case LevelSeries:
		src = seriesTags
	case LevelImage:
		src = imageTags
	}
	return append([]string(nil), src...)
}

// IdentifierTags returns the unique keys that pin id at this level. Keys
// finer than the level are omitted.
func (l Level) IdentifierTags(id models.Identifier) dimse.Query {
	q := dimse.Query{{Key: TagStudyInstanceUID, Value: id.StudyInstanceUID}}
	if l >= LevelSeries {
		q = append(q, dimse.Element{Key: TagSeriesInstanceUID, Value: id.SeriesInstanceUID})
	}
	if l >= LevelImage {
		q = append(q, dimse.Element{Key: TagSOPInstanceUID, Value: id.SOPInstanceUID})
	}
	return q
}

// RetrieveQuery is the C-GET / C-MOVE identifier for id at this level
func (l Level) RetrieveQuery(id models.Identifier) dimse.Query {
	q := dimse.Query{{Key: TagQueryRetrieveLevel, Value: l.String()}}
	return append(q, l.IdentifierTags(id)...)
}

// LockID is the UID identifying the retrieval of id at this level. It is
// empty when id lacks the UID the level needs.
func (l Level) LockID(id models.Identifier) string {
	switch l {
	case LevelStudy:
		return id.StudyInstanceUID
	case LevelSeries:
		return id.SeriesInstanceUID
	case LevelImage:
		return id.SOPInstanceUID
	}
	return ""
}

// Implied is the narrowest level that id fully identifies
func Implied(id models.Identifier) Level {
	switch {
	case id.SOPInstanceUID != "":
		return LevelImage
	case id.SeriesInstanceUID != "":
		return LevelSeries
	default:
		return LevelStudy
	}
}

// Coarser returns the broader of a and b. An invalid level is ignored.
func Coarser(a, b Level) Level {
	if !b.Valid() {
		return a
	}
	if !a.Valid() || b < a {
		return b
	}
	return a
}
