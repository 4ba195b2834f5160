package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const sessionDateLayout = "2006-01-02"

// Identity fields are never writable through a reviewer correction.
var identityFields = map[string]struct{}{
	"id":          {},
	"batch_id":    {},
	"uploaded_at": {},
}

// ParseSessionDate accepts a calendar date or an RFC 3339 timestamp.
func ParseSessionDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty session date")
	}
	if t, err := time.Parse(sessionDateLayout, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("session date %q: expected YYYY-MM-DD or RFC 3339", raw)
	}
	return t.UTC(), nil
}

// ParseFilePatch turns a reviewer correction payload into a FileUpdate.
func ParseFilePatch(raw map[string]json.RawMessage) (FileUpdate, error) {
	const op = "parse file patch"
	if len(raw) == 0 {
		return FileUpdate{}, ValidationError(op, "no fields to update")
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var update FileUpdate
	for _, key := range keys {
		value := raw[key]
		if _, ok := identityFields[key]; ok {
			return FileUpdate{}, ValidationError(op, "field %q cannot be modified", key)
		}
		switch key {
		case "candidate_client_name":
			s, err := decodeString(key, value)
			if err != nil {
				return FileUpdate{}, err
			}
			update.CandidateClientName = &s
		case "session_type":
			s, err := decodeString(key, value)
			if err != nil {
				return FileUpdate{}, err
			}
			update.SessionType = &s
		case "risk_level":
			s, err := decodeString(key, value)
			if err != nil {
				return FileUpdate{}, err
			}
			update.RiskLevel = &s
		case "extracted_text":
			s, err := decodeString(key, value)
			if err != nil {
				return FileUpdate{}, err
			}
			update.ExtractedText = &s
		case "themes":
			var themes []string
			if err := json.Unmarshal(value, &themes); err != nil {
				return FileUpdate{}, ValidationError(op, "field %q must be an array of strings", key)
			}
			if themes == nil {
				themes = []string{}
			}
			update.Themes = &themes
		case "session_date":
			date, err := decodeDate(key, value)
			if err != nil {
				return FileUpdate{}, err
			}
			update.SessionDate = &date
		default:
			return FileUpdate{}, ValidationError(op, "field %q is not editable", key)
		}
	}
	return update, nil
}

func decodeString(key string, value json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return "", ValidationError("parse file patch", "field %q must be a string", key)
	}
	return strings.TrimSpace(s), nil
}

func decodeDate(key string, value json.RawMessage) (*time.Time, error) {
	if string(value) == "null" {
		return nil, nil
	}
	s, err := decodeString(key, value)
	if err != nil {
		return nil, err
	}
	date, err := ParseSessionDate(s)
	if err != nil {
		return nil, WrapError(ErrInvalidInput, "parse file patch", err)
	}
	return &date, nil
}
