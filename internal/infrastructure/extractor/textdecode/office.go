package textdecode

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxOfficePartBytes = 64 << 20

// Element names are matched by local name: prefixes are stable but namespace
// URIs vary between producers.
var docxRules = xmlTextRules{
	keepText:  func(e xml.StartElement) bool { return e.Name.Local == "t" },
	inserts:   map[string]string{"br": "\n", "cr": "\n", "tab": "\t"},
	blockEnds: map[string]bool{"p": true, "tr": true},
}

var odtRules = xmlTextRules{
	keepText: func(e xml.StartElement) bool {
		return e.Name.Local == "text" && strings.HasSuffix(e.Name.Space, ":office:1.0")
	},
	inserts:   map[string]string{"line-break": "\n", "tab": "\t", "s": " "},
	blockEnds: map[string]bool{"p": true, "h": true},
}

func decodeDOCX(data []byte) (string, error) {
	part, err := readZipPart(data, "word/document.xml")
	if err != nil {
		return "", err
	}
	return docxRules.collect(part)
}

func decodeODT(data []byte) (string, error) {
	part, err := readZipPart(data, "content.xml")
	if err != nil {
		return "", err
	}
	return odtRules.collect(part)
}

func readZipPart(data []byte, name string) ([]byte, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	for _, f := range archive.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		raw, err := io.ReadAll(io.LimitReader(rc, maxOfficePartBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if len(raw) > maxOfficePartBytes {
			return nil, fmt.Errorf("%s exceeds %d bytes", name, maxOfficePartBytes)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("archive has no %s", name)
}

type xmlTextRules struct {
	// keepText marks the element whose character data (including nested
	// elements) ends up in the output.
	keepText  func(xml.StartElement) bool
	inserts   map[string]string
	blockEnds map[string]bool
}

func (r xmlTextRules) collect(part []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(part))
	var (
		out     strings.Builder
		depth   int
		lastEOL = true
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth > 0 || r.keepText(t) {
				depth++
			}
			if s, ok := r.inserts[t.Name.Local]; ok {
				out.WriteString(s)
				lastEOL = s == "\n"
			}
		case xml.EndElement:
			if depth > 0 {
				depth--
			}
			if r.blockEnds[t.Name.Local] && !lastEOL {
				out.WriteByte('\n')
				lastEOL = true
			}
		case xml.CharData:
			if depth > 0 && len(t) > 0 {
				out.Write(t)
				lastEOL = t[len(t)-1] == '\n'
			}
		}
	}
	return out.String(), nil
}
