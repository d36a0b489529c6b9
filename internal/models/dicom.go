package models

import (
	"fmt"

	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

// DicomNode is a network-addressable DICOM application entity
type DicomNode = dimse.Node

// Identifier names a study, series or instance. Series and instance are
// empty when the request targets a coarser level.
type Identifier struct {
	StudyInstanceUID  string `json:"studyInstanceUid"`
	SeriesInstanceUID string `json:"seriesInstanceUid,omitempty"`
	SOPInstanceUID    string `json:"sopInstanceUid,omitempty"`
}

// IsInstance reports whether the identifier points at a single object
func (i Identifier) IsInstance() bool {
	return i.StudyInstanceUID != "" && i.SOPInstanceUID != ""
}

// DataFormat selects the representation returned by a retrieval
type DataFormat string

const (
	FormatFull      DataFormat = ""
	FormatPixelData DataFormat = "pixeldata"
	FormatRendered  DataFormat = "rendered"
	FormatThumbnail DataFormat = "thumbnail"
)

// ContentType is the media type of one part in this format
func (f DataFormat) ContentType() string {
	switch f {
	case FormatPixelData:
		return "application/octet-stream"
	case FormatRendered, FormatThumbnail:
		return "image/jpeg"
	default:
		return "application/dicom"
	}
}

// ParseDataFormat accepts the trailing path segment of a WADO-RS route
func ParseDataFormat(s string) (DataFormat, error) {
	switch DataFormat(s) {
	case FormatFull, FormatPixelData, FormatRendered, FormatThumbnail:
		return DataFormat(s), nil
	}
	return "", fmt.Errorf("unknown data format %q", s)
}
