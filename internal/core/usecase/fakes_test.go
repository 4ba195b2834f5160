package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

type memoryStore struct {
	mu      sync.Mutex
	batches map[string]domain.Batch
	files   map[string]domain.File
	order   []string
	notes   map[string]domain.Note
	clients map[string]domain.Client

	noteErr         error
	batchUpdates    int
	fileUpdateCalls int

	// one-shot failures
	failLinkOnce     bool
	failFinalOnce    bool
	failCreateFileAt int
	createFileCalls  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		batches: make(map[string]domain.Batch),
		files:   make(map[string]domain.File),
		notes:   make(map[string]domain.Note),
		clients: make(map[string]domain.Client),
	}
}

func (s *memoryStore) CreateBatch(_ context.Context, batch *domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.ID] = *batch
	return nil
}

func (s *memoryStore) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrBatchNotFound, "get batch", fmt.Errorf("id=%s", id))
	}
	return &batch, nil
}

func (s *memoryStore) UpdateBatch(_ context.Context, id string, u domain.BatchUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return domain.WrapError(domain.ErrBatchNotFound, "update batch", fmt.Errorf("id=%s", id))
	}
	if s.failFinalOnce && u.Status != nil && u.Status.IsTerminal() {
		s.failFinalOnce = false
		return domain.WrapError(domain.ErrTemporary, "update batch", errors.New("connection reset"))
	}
	s.batchUpdates++
	if u.TotalFiles != nil {
		batch.TotalFiles = *u.TotalFiles
	}
	if u.Status != nil {
		batch.Status = *u.Status
	}
	if u.ProcessedFiles != nil {
		batch.ProcessedFiles = *u.ProcessedFiles
	}
	if u.SuccessfulFiles != nil {
		batch.SuccessfulFiles = *u.SuccessfulFiles
	}
	if u.FailedFiles != nil {
		batch.FailedFiles = *u.FailedFiles
	}
	if u.ReviewFiles != nil {
		batch.ReviewFiles = *u.ReviewFiles
	}
	if u.ProcessingStartedAt != nil {
		batch.ProcessingStartedAt = u.ProcessingStartedAt
	}
	if u.CompletedAt != nil {
		batch.CompletedAt = u.CompletedAt
	}
	s.batches[id] = batch
	return nil
}

func (s *memoryStore) ListBatches(_ context.Context, ownerID string) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Batch
	for _, b := range s.batches {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memoryStore) ClaimStaleBatches(_ context.Context, before, now time.Time, limit int) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []domain.Batch
	for _, id := range ids {
		b := s.batches[id]
		if b.Status.IsTerminal() {
			continue
		}
		since := b.CreatedAt
		if b.ProcessingStartedAt != nil {
			since = *b.ProcessingStartedAt
		}
		if !since.Before(before) {
			continue
		}
		if len(out) == limit {
			break
		}
		claimed := now
		b.ProcessingStartedAt = &claimed
		s.batches[id] = b
		out = append(out, b)
	}
	return out, nil
}

func (s *memoryStore) CreateFile(_ context.Context, file *domain.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createFileCalls++
	if s.failCreateFileAt > 0 && s.createFileCalls == s.failCreateFileAt {
		return errors.New("insert failed")
	}
	s.files[file.ID] = *file
	s.order = append(s.order, file.ID)
	return nil
}

func (s *memoryStore) GetFile(_ context.Context, id string) (*domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrFileNotFound, "get file", fmt.Errorf("id=%s", id))
	}
	return &file, nil
}

func (s *memoryStore) GetFilesByBatch(_ context.Context, batchID string) ([]domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.File
	for _, id := range s.order {
		if f := s.files[id]; f.BatchID == batchID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateFile(_ context.Context, id string, u domain.FileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	if !ok {
		return domain.WrapError(domain.ErrFileNotFound, "update file", fmt.Errorf("id=%s", id))
	}
	if s.failLinkOnce && u.LinkedNoteID != nil {
		s.failLinkOnce = false
		return domain.WrapError(domain.ErrTemporary, "update file", errors.New("connection reset"))
	}
	s.fileUpdateCalls++
	u.Apply(&file)
	s.files[id] = file
	return nil
}

func (s *memoryStore) GetFilesRequiringReview(_ context.Context, ownerID string) ([]domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.File
	for _, id := range s.order {
		f := s.files[id]
		if f.OwnerID == ownerID && f.Status == domain.FileProcessing && f.RequiresManualReview && f.AssignedClientID == "" {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memoryStore) ListNotelessProcessedFiles(_ context.Context, before time.Time, limit int) ([]domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.File
	for _, id := range s.order {
		f := s.files[id]
		if f.Status == domain.FileProcessed && f.LinkedNoteID == "" && f.ProcessedAt != nil && f.ProcessedAt.Before(before) {
			out = append(out, f)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) CreateNoteFromFile(_ context.Context, fileID string) (*domain.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noteErr != nil {
		return nil, s.noteErr
	}
	file, ok := s.files[fileID]
	if !ok {
		return nil, domain.WrapError(domain.ErrFileNotFound, "create note", fmt.Errorf("id=%s", fileID))
	}
	if note, ok := s.notes[fileID]; ok {
		if file.LinkedNoteID != note.ID {
			note.ClientID = file.AssignedClientID
			note.SessionDate = file.AssignedSessionDate
			s.notes[fileID] = note
		}
		return &note, nil
	}
	note := domain.Note{
		ID:           "note-" + fileID,
		OwnerID:      file.OwnerID,
		SourceFileID: fileID,
		ClientID:     file.AssignedClientID,
		ClientName:   file.CandidateClientName,
		Themes:       file.Themes,
		Content:      file.ExtractedText,
		CreatedAt:    time.Now().UTC(),
	}
	s.notes[fileID] = note
	return &note, nil
}

func (s *memoryStore) GetClient(_ context.Context, ownerID, clientID string) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[clientID]
	if !ok || client.OwnerID != ownerID {
		return nil, domain.WrapError(domain.ErrClientNotFound, "get client", fmt.Errorf("id=%s", clientID))
	}
	return &client, nil
}

func (s *memoryStore) batch(id string) domain.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[id]
}

func (s *memoryStore) file(id string) domain.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[id]
}

func (s *memoryStore) noteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

// seedBatch stores a batch in "uploading" with one pending file per name.
func (s *memoryStore) seedBatch(id, ownerID string, names ...string) []string {
	now := time.Now().UTC()
	_ = s.CreateBatch(context.Background(), &domain.Batch{
		ID:         id,
		OwnerID:    ownerID,
		Name:       "batch " + id,
		TotalFiles: len(names),
		Status:     domain.BatchUploading,
		CreatedAt:  now,
	})
	ids := make([]string, 0, len(names))
	for i, name := range names {
		fileID := fmt.Sprintf("%s-f%d", id, i+1)
		_ = s.CreateFile(context.Background(), &domain.File{
			ID:               fileID,
			BatchID:          id,
			OwnerID:          ownerID,
			OriginalFilename: name,
			StoragePath:      name,
			Status:           domain.FileUploaded,
			ProcessingStatus: domain.StagePending,
			Themes:           []string{},
			UploadedAt:       now,
		})
		ids = append(ids, fileID)
	}
	return ids
}

type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: make(map[string][]byte)}
}

func (s *memoryStorage) Save(_ context.Context, key string, data io.Reader) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = raw
	return nil
}

func (s *memoryStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("open file: %s: no such file", key)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (s *memoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memoryStorage) put(key, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = []byte(content)
}

func (s *memoryStorage) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type queueFake struct {
	mu        sync.Mutex
	submitted []string
	cancelled []string
	err       error
}

func (q *queueFake) PublishBatchSubmitted(_ context.Context, batchID string) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitted = append(q.submitted, batchID)
	return nil
}

func (q *queueFake) PublishBatchCancel(_ context.Context, batchID string) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, batchID)
	return nil
}

// scriptedExtractor returns per-filename results; errs are consumed one per call.
type scriptedExtractor struct {
	mu       sync.Mutex
	results  map[string]domain.Extraction
	errs     map[string][]error
	panics   map[string]bool
	calls    map[string]int
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func newScriptedExtractor() *scriptedExtractor {
	return &scriptedExtractor{
		results: make(map[string]domain.Extraction),
		errs:    make(map[string][]error),
		panics:  make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func (e *scriptedExtractor) Extract(ctx context.Context, data []byte, filename string) (domain.Extraction, error) {
	e.mu.Lock()
	e.calls[filename]++
	e.inFlight++
	if e.inFlight > e.maxSeen {
		e.maxSeen = e.inFlight
	}
	var err error
	if queue := e.errs[filename]; len(queue) > 0 {
		err = queue[0]
		e.errs[filename] = queue[1:]
	}
	result, ok := e.results[filename]
	shouldPanic := e.panics[filename]
	delay := e.delay
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.Extraction{}, ctx.Err()
		}
	}
	if shouldPanic {
		panic("extractor exploded")
	}
	if err != nil {
		return domain.Extraction{}, err
	}
	if !ok {
		return domain.Extraction{}, errors.New("no scripted result for " + filename)
	}
	result.RawText = string(data)
	return result, nil
}

func (e *scriptedExtractor) callCount(filename string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[filename]
}

func (e *scriptedExtractor) totalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.calls {
		total += n
	}
	return total
}

func confident(name string) domain.Extraction {
	return domain.Extraction{
		CandidateClientName: name,
		SessionType:         "individual",
		Themes:              []string{"anxiety"},
		RiskLevel:           "low",
		MatchConfidence:     0.9,
		QualityScore:        90,
	}
}

func temporaryErr(msg string) error {
	return domain.WrapError(domain.ErrTemporary, "extract", errors.New(msg))
}

var errTestNotes = errors.New("notes table unavailable")
