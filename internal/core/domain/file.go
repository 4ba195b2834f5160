package domain

import "time"

type FileStatus string

const (
	FileUploaded   FileStatus = "uploaded"
	FileProcessing FileStatus = "processing"
	FileProcessed  FileStatus = "processed"
	FileAssigned   FileStatus = "assigned"
	FileFailed     FileStatus = "failed"
)

// ProcessingStatus is the fine-grained pipeline stage of a file.
type ProcessingStatus string

const (
	StagePending        ProcessingStatus = "pending"
	StageExtractingText ProcessingStatus = "extracting_text"
	StageAnalyzing      ProcessingStatus = "analyzing"
	StageMatchingClient ProcessingStatus = "matching_client"
	StageCreatingNote   ProcessingStatus = "creating_note"
	StageCompleted      ProcessingStatus = "completed"
	StageFailed         ProcessingStatus = "failed"
)

// Outcome is the terminal classification of a file inside its batch.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeAuto    Outcome = "auto"
	OutcomeReview  Outcome = "review"
	OutcomeFailed  Outcome = "failed"
)

type File struct {
	ID               string `json:"id"`
	BatchID          string `json:"batch_id"`
	OwnerID          string `json:"owner_id"`
	OriginalFilename string `json:"original_filename"`
	MimeType         string `json:"mime_type"`
	SizeBytes        int64  `json:"size_bytes"`
	StoragePath      string `json:"storage_path"`
	ExtractedText    string `json:"extracted_text,omitempty"`

	Status           FileStatus       `json:"status"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`

	CandidateClientName   string     `json:"candidate_client_name,omitempty"`
	ClientMatchConfidence float64    `json:"client_match_confidence"`
	SessionDate           *time.Time `json:"session_date,omitempty"`
	DateConfidence        float64    `json:"date_confidence"`
	SessionType           string     `json:"session_type,omitempty"`
	Themes                []string   `json:"themes"`
	RiskLevel             string     `json:"risk_level,omitempty"`
	QualityScore          float64    `json:"quality_score"`

	RequiresManualReview bool   `json:"requires_manual_review"`
	ManualReviewReason   string `json:"manual_review_reason,omitempty"`

	AssignedClientID    string     `json:"assigned_client_id,omitempty"`
	AssignedSessionDate *time.Time `json:"assigned_session_date,omitempty"`
	LinkedNoteID        string     `json:"linked_note_id,omitempty"`

	ErrorDetails string     `json:"error_details,omitempty"`
	UploadedAt   time.Time  `json:"uploaded_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Outcome classifies the file for batch aggregation. Review-flagged files
// keep their classification after a reviewer assigns them.
func (f *File) Outcome() Outcome {
	switch {
	case f.Status == FileFailed:
		return OutcomeFailed
	case f.RequiresManualReview && (f.Status == FileProcessing || f.Status == FileAssigned):
		return OutcomeReview
	case f.Status == FileProcessed || f.Status == FileAssigned:
		return OutcomeAuto
	default:
		return OutcomePending
	}
}

// NeedsDispatch reports whether a processing run still has work to do for the file.
func (f *File) NeedsDispatch() bool {
	return f.Outcome() == OutcomePending
}

// AwaitingReview reports whether a reviewer can assign the file.
func (f *File) AwaitingReview() bool {
	if f.Status == FileProcessing && f.RequiresManualReview {
		return true
	}
	return f.Status == FileProcessed && f.LinkedNoteID == ""
}

// FileUpdate is a partial file write; nil fields are left untouched.
type FileUpdate struct {
	Status           *FileStatus
	ProcessingStatus *ProcessingStatus
	ExtractedText    *string

	CandidateClientName   *string
	ClientMatchConfidence *float64
	SessionDate           **time.Time
	DateConfidence        *float64
	SessionType           *string
	Themes                *[]string
	RiskLevel             *string
	QualityScore          *float64

	RequiresManualReview *bool
	ManualReviewReason   *string

	AssignedClientID    *string
	AssignedSessionDate **time.Time
	LinkedNoteID        *string

	ErrorDetails *string
	ProcessedAt  **time.Time
}

// IsEmpty reports whether the update carries no field.
func (u FileUpdate) IsEmpty() bool {
	return u == (FileUpdate{})
}

// Apply copies set fields onto f; used by in-memory stores and read-your-write paths.
func (u FileUpdate) Apply(f *File) {
	if u.Status != nil {
		f.Status = *u.Status
	}
	if u.ProcessingStatus != nil {
		f.ProcessingStatus = *u.ProcessingStatus
	}
	if u.ExtractedText != nil {
		f.ExtractedText = *u.ExtractedText
	}
	if u.CandidateClientName != nil {
		f.CandidateClientName = *u.CandidateClientName
	}
	if u.ClientMatchConfidence != nil {
		f.ClientMatchConfidence = *u.ClientMatchConfidence
	}
	if u.SessionDate != nil {
		f.SessionDate = *u.SessionDate
	}
	if u.DateConfidence != nil {
		f.DateConfidence = *u.DateConfidence
	}
	if u.SessionType != nil {
		f.SessionType = *u.SessionType
	}
	if u.Themes != nil {
		f.Themes = append([]string(nil), (*u.Themes)...)
	}
	if u.RiskLevel != nil {
		f.RiskLevel = *u.RiskLevel
	}
	if u.QualityScore != nil {
		f.QualityScore = *u.QualityScore
	}
	if u.RequiresManualReview != nil {
		f.RequiresManualReview = *u.RequiresManualReview
	}
	if u.ManualReviewReason != nil {
		f.ManualReviewReason = *u.ManualReviewReason
	}
	if u.AssignedClientID != nil {
		f.AssignedClientID = *u.AssignedClientID
	}
	if u.AssignedSessionDate != nil {
		f.AssignedSessionDate = *u.AssignedSessionDate
	}
	if u.LinkedNoteID != nil {
		f.LinkedNoteID = *u.LinkedNoteID
	}
	if u.ErrorDetails != nil {
		f.ErrorDetails = *u.ErrorDetails
	}
	if u.ProcessedAt != nil {
		f.ProcessedAt = *u.ProcessedAt
	}
}

// Upload is one document received at the upload boundary.
type Upload struct {
	Filename string
	Data     []byte
}
