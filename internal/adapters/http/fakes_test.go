package httpadapter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kirillkom/clinical-batch-intake/internal/config"
	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

type submitterFake struct {
	err error

	ownerID string
	name    string
	uploads []domain.Upload
}

func (f *submitterFake) SubmitBatch(_ context.Context, ownerID, name string, uploads []domain.Upload) (*domain.Batch, error) {
	f.ownerID, f.name, f.uploads = ownerID, name, uploads
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Batch{
		ID:         "batch-1",
		OwnerID:    ownerID,
		Name:       name,
		TotalFiles: len(uploads),
		Status:     domain.BatchUploading,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

type cancellerFake struct {
	err       error
	requested []string
}

func (f *cancellerFake) RequestCancel(_ context.Context, ownerID, batchID string) error {
	f.requested = append(f.requested, ownerID+"/"+batchID)
	return f.err
}

type readerFake struct {
	err error

	batches []domain.Batch
	files   []domain.File
	review  []domain.File
}

func (f *readerFake) GetBatch(_ context.Context, ownerID, batchID string) (*domain.Batch, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.batches {
		if f.batches[i].ID == batchID && f.batches[i].OwnerID == ownerID {
			return &f.batches[i], nil
		}
	}
	return nil, domain.WrapError(domain.ErrBatchNotFound, "get batch", errors.New("id="+batchID))
}

func (f *readerFake) ListBatches(context.Context, string) ([]domain.Batch, error) {
	return f.batches, f.err
}

func (f *readerFake) ListFiles(context.Context, string, string) ([]domain.File, error) {
	return f.files, f.err
}

func (f *readerFake) GetFile(_ context.Context, _ string, fileID string) (*domain.File, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.files {
		if f.files[i].ID == fileID {
			return &f.files[i], nil
		}
	}
	return nil, domain.WrapError(domain.ErrFileNotFound, "get file", errors.New("id="+fileID))
}

func (f *readerFake) ListReviewQueue(context.Context, string) ([]domain.File, error) {
	return f.review, f.err
}

type reviewerFake struct {
	err error

	assignment domain.Assignment
	update     domain.FileUpdate
}

func (f *reviewerFake) AssignFileToClient(_ context.Context, ownerID, fileID string, assignment domain.Assignment) (*domain.File, *domain.Note, error) {
	f.assignment = assignment
	if f.err != nil {
		return nil, nil, f.err
	}
	file := &domain.File{ID: fileID, OwnerID: ownerID, Status: domain.FileAssigned, AssignedClientID: assignment.ClientID, LinkedNoteID: "note-1"}
	note := &domain.Note{ID: "note-1", OwnerID: ownerID, SourceFileID: fileID, ClientID: assignment.ClientID, Themes: []string{}}
	return file, note, nil
}

func (f *reviewerFake) UpdateFile(_ context.Context, ownerID, fileID string, update domain.FileUpdate) (*domain.File, error) {
	f.update = update
	if f.err != nil {
		return nil, f.err
	}
	file := &domain.File{ID: fileID, OwnerID: ownerID}
	update.Apply(file)
	return file, nil
}

type healthFake struct {
	ok bool
}

func (f healthFake) Health(context.Context) (map[string]string, bool) {
	if f.ok {
		return map[string]string{"postgres": "ok"}, true
	}
	return map[string]string{"postgres": "connection refused"}, false
}

type recorderFake struct {
	uploads     int
	assignments []string
}

func (f *recorderFake) RecordUpload(_ string, files int) { f.uploads += files }

func (f *recorderFake) RecordAssignment(_ string, result string) {
	f.assignments = append(f.assignments, result)
}

type testServices struct {
	submitter *submitterFake
	canceller *cancellerFake
	reader    *readerFake
	reviewer  *reviewerFake
	recorder  *recorderFake
}

func newTestHandler(cfg config.Config) http.Handler {
	handler, _ := newTestRouter(cfg)
	return handler
}

func newTestRouter(cfg config.Config) (http.Handler, *testServices) {
	fakes := &testServices{
		submitter: &submitterFake{},
		canceller: &cancellerFake{},
		reader:    &readerFake{},
		reviewer:  &reviewerFake{},
		recorder:  &recorderFake{},
	}
	handler := NewRouter(cfg, Services{
		Submitter: fakes.submitter,
		Canceller: fakes.canceller,
		Reader:    fakes.reader,
		Reviewer:  fakes.reviewer,
		Recorder:  fakes.recorder,
	}).Handler()
	return handler, fakes
}
