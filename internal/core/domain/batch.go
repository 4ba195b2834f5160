package domain

import "time"

type BatchStatus string

const (
	BatchUploading  BatchStatus = "uploading"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal reports whether the batch has been finalized.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// Batch is a named group of documents submitted together.
//
// A batch in status "failed" means at least one file could not be processed
// automatically (hard failure or manual review), not that every file failed.
// ReviewFiles tells the two cases apart.
type Batch struct {
	ID                  string      `json:"id"`
	OwnerID             string      `json:"owner_id"`
	Name                string      `json:"name"`
	TotalFiles          int         `json:"total_files"`
	ProcessedFiles      int         `json:"processed_files"`
	SuccessfulFiles     int         `json:"successful_files"`
	FailedFiles         int         `json:"failed_files"`
	ReviewFiles         int         `json:"review_files"`
	Status              BatchStatus `json:"status"`
	CreatedAt           time.Time   `json:"created_at"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
}

// BatchCounts is the aggregate view computed from persisted file state.
type BatchCounts struct {
	Total      int
	Processed  int
	Successful int
	Failed     int
	Review     int
	Pending    int
}

// CountFiles derives batch aggregates from file records. Order of completion
// does not matter: the result only depends on each file's persisted state.
func CountFiles(files []File) BatchCounts {
	counts := BatchCounts{Total: len(files)}
	for i := range files {
		switch files[i].Outcome() {
		case OutcomeAuto:
			counts.Successful++
		case OutcomeReview:
			counts.Successful++
			counts.Review++
		case OutcomeFailed:
			counts.Failed++
		default:
			counts.Pending++
		}
	}
	counts.Processed = counts.Successful + counts.Failed
	return counts
}

// FinalStatus is the terminal batch status for fully processed counts.
func (c BatchCounts) FinalStatus() BatchStatus {
	if c.Failed == 0 && c.Review == 0 {
		return BatchCompleted
	}
	return BatchFailed
}

// BatchUpdate is a partial batch write; nil fields are left untouched.
type BatchUpdate struct {
	Status              *BatchStatus
	TotalFiles          *int
	ProcessedFiles      *int
	SuccessfulFiles     *int
	FailedFiles         *int
	ReviewFiles         *int
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
}

// CountsUpdate builds the aggregate part of a batch write.
func CountsUpdate(c BatchCounts) BatchUpdate {
	processed, successful, failed, review := c.Processed, c.Successful, c.Failed, c.Review
	return BatchUpdate{
		ProcessedFiles:  &processed,
		SuccessfulFiles: &successful,
		FailedFiles:     &failed,
		ReviewFiles:     &review,
	}
}

// ProcessingResult is returned by a batch processing run.
type ProcessingResult struct {
	BatchID        string      `json:"batch_id"`
	Status         BatchStatus `json:"status"`
	ProcessedCount int         `json:"processed_count"`
	FailedCount    int         `json:"failed_count"`
	ReviewCount    int         `json:"review_count"`
	TotalFiles     int         `json:"total_files"`
}
