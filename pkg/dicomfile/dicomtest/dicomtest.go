// Package dicomtest writes small explicit VR little endian Part-10 files for
// tests.
package dicomtest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
)

const (
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	SecondaryCaptureClass  = "1.2.840.10008.5.1.4.1.1.7"
)

// File describes the object to write. Zero values get usable defaults.
type File struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntax    string
	PatientName       string
	Modality          string
	Rows              int
	Columns           int
	Frames            int
	// PixelData is written as a native OB value unless Fragments is set
	PixelData []byte
	// Fragments produces encapsulated pixel data with an empty offset table
	Fragments [][]byte
	// TrailingPadding is written as a (FFFC,FFFC) element after the pixel data
	TrailingPadding []byte
}

// Bytes encodes f
func (f File) Bytes() []byte {
	f.defaults()

	var meta bytes.Buffer
	writeElement(&meta, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})
	writeElement(&meta, 0x0002, 0x0002, "UI", uid(f.SOPClassUID))
	writeElement(&meta, 0x0002, 0x0003, "UI", uid(f.SOPInstanceUID))
	writeElement(&meta, 0x0002, 0x0010, "UI", uid(f.TransferSyntax))

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(meta.Len()))
	writeElement(&out, 0x0002, 0x0000, "UL", groupLength)
	out.Write(meta.Bytes())

	writeElement(&out, 0x0008, 0x0016, "UI", uid(f.SOPClassUID))
	writeElement(&out, 0x0008, 0x0018, "UI", uid(f.SOPInstanceUID))
	writeElement(&out, 0x0008, 0x0060, "CS", text(f.Modality))
	writeElement(&out, 0x0010, 0x0010, "PN", text(f.PatientName))
	writeElement(&out, 0x0020, 0x000D, "UI", uid(f.StudyInstanceUID))
	writeElement(&out, 0x0020, 0x000E, "UI", uid(f.SeriesInstanceUID))
	writeElement(&out, 0x0020, 0x0013, "IS", text("1"))
	writeElement(&out, 0x0028, 0x0002, "US", us(1))
	writeElement(&out, 0x0028, 0x0004, "CS", text("MONOCHROME2"))
	writeElement(&out, 0x0028, 0x0008, "IS", text(strconv.Itoa(f.Frames)))
	writeElement(&out, 0x0028, 0x0010, "US", us(f.Rows))
	writeElement(&out, 0x0028, 0x0011, "US", us(f.Columns))
	writeElement(&out, 0x0028, 0x0100, "US", us(8))
	writeElement(&out, 0x0028, 0x0101, "US", us(8))
	writeElement(&out, 0x0028, 0x0102, "US", us(7))
	writeElement(&out, 0x0028, 0x0103, "US", us(0))

	if len(f.Fragments) > 0 {
		writeEncapsulated(&out, f.Fragments)
	} else {
		writeElement(&out, 0x7FE0, 0x0010, "OB", pad(f.PixelData, 0x00))
	}
	if f.TrailingPadding != nil {
		writeElement(&out, 0xFFFC, 0xFFFC, "OB", pad(f.TrailingPadding, 0x00))
	}
	return out.Bytes()
}

// Write encodes f into path, creating parent directories
func (f File) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, f.Bytes(), 0o644)
}

func (f *File) defaults() {
	if f.StudyInstanceUID == "" {
		f.StudyInstanceUID = "1.2.3"
	}
	if f.SeriesInstanceUID == "" {
		f.SeriesInstanceUID = f.StudyInstanceUID + ".1"
	}
	if f.SOPInstanceUID == "" {
		f.SOPInstanceUID = f.SeriesInstanceUID + ".1"
	}
	if f.SOPClassUID == "" {
		f.SOPClassUID = SecondaryCaptureClass
	}
	if f.TransferSyntax == "" {
		f.TransferSyntax = ExplicitVRLittleEndian
	}
	if f.PatientName == "" {
		f.PatientName = "DOE^JOHN"
	}
	if f.Modality == "" {
		f.Modality = "OT"
	}
	if f.Rows == 0 {
		f.Rows = 2
	}
	if f.Columns == 0 {
		f.Columns = 2
	}
	if f.Frames == 0 {
		f.Frames = 1
	}
	if f.PixelData == nil && len(f.Fragments) == 0 {
		f.PixelData = make([]byte, f.Rows*f.Columns*f.Frames)
		for i := range f.PixelData {
			f.PixelData[i] = byte(i)
		}
	}
}

func writeElement(buf *bytes.Buffer, group, element uint16, vr string, value []byte) {
	writeTag(buf, group, element)
	buf.WriteString(vr)
	switch vr {
	case "OB", "OW", "SQ", "UN", "UT":
		buf.Write([]byte{0, 0})
		writeUint32(buf, uint32(len(value)))
	default:
		l := make([]byte, 2)
		binary.LittleEndian.PutUint16(l, uint16(len(value)))
		buf.Write(l)
	}
	buf.Write(value)
}

func writeEncapsulated(buf *bytes.Buffer, fragments [][]byte) {
	writeTag(buf, 0x7FE0, 0x0010)
	buf.WriteString("OB")
	buf.Write([]byte{0, 0})
	writeUint32(buf, 0xFFFFFFFF)

	// empty basic offset table
	writeTag(buf, 0xFFFE, 0xE000)
	writeUint32(buf, 0)
	for _, frag := range fragments {
		frag = pad(frag, 0x00)
		writeTag(buf, 0xFFFE, 0xE000)
		writeUint32(buf, uint32(len(frag)))
		buf.Write(frag)
	}
	writeTag(buf, 0xFFFE, 0xE0DD)
	writeUint32(buf, 0)
}

func writeTag(buf *bytes.Buffer, group, element uint16) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], group)
	binary.LittleEndian.PutUint16(b[2:4], element)
	buf.Write(b)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	buf.Write(b)
}

func uid(s string) []byte  { return pad([]byte(s), 0x00) }
func text(s string) []byte { return pad([]byte(s), ' ') }

func us(v int) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(v))
	return b
}

func pad(b []byte, with byte) []byte {
	if len(b)%2 == 0 {
		return b
	}
	out := make([]byte, len(b)+1)
	copy(out, b)
	out[len(b)] = with
	return out
}
