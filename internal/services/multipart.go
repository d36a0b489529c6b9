package services

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"

	"github.com/google/uuid"
)

// EncodeMultipart writes parts as a multipart/related body and returns the
// body with its Content-Type header value. The type parameter is taken from
// the first part.
func EncodeMultipart(parts []Part) ([]byte, string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	for _, p := range parts {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", p.ContentType)
		header.Set("Content-ID", "<"+uuid.NewString()+">")
		if p.Location != "" {
			header.Set("Content-Location", p.Location)
		}
		pw, err := w.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create multipart part: %w", err)
		}
		if _, err := pw.Write(p.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write multipart part: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	partType := "application/dicom"
	if len(parts) > 0 {
		partType = parts[0].ContentType
	}
	contentType := fmt.Sprintf("multipart/related; type=%q; boundary=%s", partType, w.Boundary())
	return body.Bytes(), contentType, nil
}
