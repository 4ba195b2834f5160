package domain

import "time"

// Note is a clinical note created from a processed file. It is owned by the
// clinical-records subsystem once created.
type Note struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	SourceFileID string     `json:"source_file_id"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientName   string     `json:"client_name,omitempty"`
	SessionDate  *time.Time `json:"session_date,omitempty"`
	SessionType  string     `json:"session_type,omitempty"`
	Themes       []string   `json:"themes"`
	RiskLevel    string     `json:"risk_level,omitempty"`
	Content      string     `json:"content"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Client struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

// Extraction is the structured output of the AI extraction step.
type Extraction struct {
	CandidateClientName string     `json:"candidate_client_name"`
	SessionDate         *time.Time `json:"session_date,omitempty"`
	DateConfidence      float64    `json:"date_confidence"`
	SessionType         string     `json:"session_type"`
	Themes              []string   `json:"themes"`
	RiskLevel           string     `json:"risk_level"`
	MatchConfidence     float64    `json:"match_confidence"`
	QualityScore        float64    `json:"quality_score"`
	RawText             string     `json:"raw_text"`
}

// Assignment is a reviewer's decision for a flagged file.
type Assignment struct {
	ClientID    string     `json:"client_id"`
	SessionDate *time.Time `json:"session_date"`
	SessionType string     `json:"session_type"`
}
