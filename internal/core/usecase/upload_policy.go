package usecase

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

const (
	mimePlainText = "text/plain"
	mimePDF       = "application/pdf"
	mimeDOCX      = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeODT       = "application/vnd.oasis.opendocument.text"
	mimeRTF       = "text/rtf"
)

// acceptedTypes maps a filename extension to the sniffed content types it may carry.
var acceptedTypes = map[string][]string{
	".txt":  {mimePlainText},
	".text": {mimePlainText},
	".pdf":  {mimePDF},
	".docx": {mimeDOCX},
	".odt":  {mimeODT},
	".rtf":  {mimeRTF, mimePlainText},
}

// UploadPolicy bounds what the upload boundary accepts.
type UploadPolicy struct {
	MaxFiles     int
	MaxFileBytes int64
}

func DefaultUploadPolicy() UploadPolicy {
	return UploadPolicy{
		MaxFiles:     50,
		MaxFileBytes: 25 << 20,
	}
}

type acceptedUpload struct {
	domain.Upload
	mimeType string
}

// Validate checks every upload before anything is written.
func (p UploadPolicy) Validate(uploads []domain.Upload) ([]acceptedUpload, error) {
	const op = "validate uploads"
	if len(uploads) == 0 {
		return nil, domain.ValidationError(op, "at least one file is required")
	}
	if p.MaxFiles > 0 && len(uploads) > p.MaxFiles {
		return nil, domain.ValidationError(op, "too many files: %d (max %d)", len(uploads), p.MaxFiles)
	}

	out := make([]acceptedUpload, 0, len(uploads))
	for _, upload := range uploads {
		name := strings.TrimSpace(upload.Filename)
		if name == "" {
			return nil, domain.ValidationError(op, "file name is required")
		}
		if len(upload.Data) == 0 {
			return nil, domain.ValidationError(op, "file %q is empty", name)
		}
		if p.MaxFileBytes > 0 && int64(len(upload.Data)) > p.MaxFileBytes {
			return nil, domain.ValidationError(op, "file %q exceeds %d bytes", name, p.MaxFileBytes)
		}

		ext := strings.ToLower(filepath.Ext(name))
		if ext == ".doc" {
			// Binary Word files have no text extraction path.
			return nil, domain.ValidationError(op, "file %q is a legacy Word .doc; save it as .docx and upload again", name)
		}
		allowed, ok := acceptedTypes[ext]
		if !ok {
			return nil, domain.ValidationError(op, "file %q has unsupported type %q (accepted: txt, pdf, docx, odt, rtf)", name, ext)
		}
		detected := mimetype.Detect(upload.Data)
		mimeType, ok := matchMIME(detected, allowed)
		if !ok {
			return nil, domain.ValidationError(op, "file %q content (%s) does not match extension %q", name, detected.String(), ext)
		}
		out = append(out, acceptedUpload{Upload: upload, mimeType: mimeType})
	}
	return out, nil
}

func matchMIME(detected *mimetype.MIME, allowed []string) (string, bool) {
	for m := detected; m != nil; m = m.Parent() {
		for _, candidate := range allowed {
			if m.Is(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
