// Package textdecode turns accepted upload formats into plain UTF-8 text
// for the extraction model.
package textdecode

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

type format int

const (
	formatUnknown format = iota
	formatPlain
	formatPDF
	formatDOCX
	formatODT
	formatRTF
)

var formatsByExt = map[string]format{
	".txt":  formatPlain,
	".text": formatPlain,
	".pdf":  formatPDF,
	".docx": formatDOCX,
	".odt":  formatODT,
	".rtf":  formatRTF,
}

var formatsByMIME = []struct {
	mime   string
	format format
}{
	{"application/pdf", formatPDF},
	{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", formatDOCX},
	{"application/vnd.oasis.opendocument.text", formatODT},
	{"text/rtf", formatRTF},
	{"text/plain", formatPlain},
}

// Decode returns the document text. Undecodable or empty documents are
// reported as invalid input since a retry cannot help.
func Decode(data []byte, filename string) (string, error) {
	var (
		text string
		err  error
	)
	switch detect(data, filename) {
	case formatPlain:
		text = decodePlain(data)
	case formatPDF:
		text, err = decodePDF(data)
	case formatDOCX:
		text, err = decodeDOCX(data)
	case formatODT:
		text, err = decodeODT(data)
	case formatRTF:
		text = decodeRTF(data)
	default:
		return "", domain.ValidationError("decode document", "unsupported document format: %s", filename)
	}
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "decode document", fmt.Errorf("%s: %w", filename, err))
	}

	text = normalize(text)
	if text == "" {
		return "", domain.ValidationError("decode document", "no extractable text in %s", filename)
	}
	return text, nil
}

func detect(data []byte, filename string) format {
	if f, ok := formatsByExt[strings.ToLower(filepath.Ext(filename))]; ok {
		return f
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		for _, candidate := range formatsByMIME {
			if m.Is(candidate.mime) {
				return candidate.format
			}
		}
	}
	return formatUnknown
}

// decodePlain accepts UTF-8 (with or without BOM) and falls back to
// Windows-1252, which covers text exported by older office tools.
func decodePlain(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "")
	}
	return string(out)
}

func normalize(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\x00", "")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
