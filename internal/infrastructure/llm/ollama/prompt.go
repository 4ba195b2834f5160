package ollama

import "fmt"

const maxPromptRunes = 12000

func buildExtractionPrompt(filename, text string) string {
	snippet := []rune(text)
	if len(snippet) > maxPromptRunes {
		snippet = snippet[:maxPromptRunes]
	}

	return fmt.Sprintf(`You read notes written by a therapist after a client session.
Return strict JSON object with keys:
client_name (string, the client's full name as written, "" if absent),
session_date (string, YYYY-MM-DD, "" if absent),
date_confidence (number from 0 to 1),
session_type (string, one of: individual, couples, family, group, intake, other),
themes (array of short lowercase strings),
risk_level (string, one of: none, low, medium, high),
match_confidence (number from 0 to 1, how certain the client name identifies one person),
quality_score (number from 0 to 100, how complete and legible the notes are).
No markdown, no extra keys.

File: %s
Notes:
%s`, filename, string(snippet))
}
