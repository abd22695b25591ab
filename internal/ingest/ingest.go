package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"studypipe/internal/chunker"
	"studypipe/internal/llm"
	"studypipe/internal/parser"
	"studypipe/internal/store"
	"studypipe/internal/summarizer"
)

// Store is the subset of the storage gateway the orchestrator needs.
type Store interface {
	DeleteFileData(ctx context.Context, userID, projectID, filename string) error
	StoreChunks(ctx context.Context, cards []chunker.Card) error
	UpsertFileSummary(ctx context.Context, userID, projectID, filename, summary string) error
	CreateJob(ctx context.Context, job store.Job) error
	UpdateJob(ctx context.Context, jobID string, fields map[string]interface{}) error
	GetJob(ctx context.Context, jobID string) (*store.Job, error)
}

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// FileUpload is one document of an upload request. Name is the uploaded
// filename before the rename map is applied.
type FileUpload struct {
	Name string
	Data []byte
}

// UploadRequest is a validated batch of files for one user and project.
type UploadRequest struct {
	UserID     string
	ProjectID  string
	Files      []FileUpload
	ReplaceSet map[string]bool
	RenameMap  map[string]string
}

// ValidationError maps to HTTP 400 at the transport layer.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// stage is the per-file pipeline state. Files move strictly forward.
type stage string

const (
	stageQueued      stage = "queued"
	stageReconciling stage = "reconciling"
	stagePurging     stage = "purging"
	stageParsing     stage = "parsing"
	stageCaptioning  stage = "captioning"
	stageChunking    stage = "chunking"
	stageEmbedding   stage = "embedding"
	stagePersisting  stage = "persisting"
	stageDone        stage = "done"
)

// Service coordinates the end-to-end ingestion of upload requests.
type Service struct {
	Store    Store
	Embedder Embedder
	Parser   *parser.Parser
	Chunker  *chunker.Chunker
	Sum      *summarizer.Summarizer
	LLM      *llm.Client

	MaxFiles  int
	MaxFileMB int
}

// SubmitUpload validates the request, creates the job record and schedules
// background processing. It returns the job id as soon as the record exists.
func (s *Service) SubmitUpload(ctx context.Context, req UploadRequest) (string, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ProjectID) == "" {
		return "", &ValidationError{Msg: "user_id and project_id are required"}
	}
	if len(req.Files) == 0 {
		return "", &ValidationError{Msg: "no files uploaded"}
	}
	if len(req.Files) > s.MaxFiles {
		return "", &ValidationError{Msg: fmt.Sprintf("Too many files. Max %d allowed per upload.", s.MaxFiles)}
	}
	maxBytes := s.MaxFileMB << 20
	for _, f := range req.Files {
		if len(f.Data) > maxBytes {
			return "", &ValidationError{Msg: fmt.Sprintf("%s exceeds %d MB limit", f.Name, s.MaxFileMB)}
		}
		if len(f.Data) == 0 {
			return "", &ValidationError{Msg: fmt.Sprintf("%s is empty", f.Name)}
		}
	}

	// Apply the rename map so every downstream step sees effective names only.
	files := make([]FileUpload, len(req.Files))
	seen := make(map[string]bool, len(req.Files))
	for i, f := range req.Files {
		name := f.Name
		if renamed, ok := req.RenameMap[name]; ok && renamed != "" {
			name = renamed
		}
		if seen[name] {
			return "", &ValidationError{Msg: fmt.Sprintf("duplicate effective filename: %s", name)}
		}
		seen[name] = true
		files[i] = FileUpload{Name: name, Data: f.Data}
	}

	jobID := uuid.NewString()
	job := store.Job{
		JobID:     jobID,
		Total:     len(files),
		Completed: 0,
		Status:    store.JobProcessing,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	go s.processFiles(jobID, req.UserID, req.ProjectID, files, req.ReplaceSet)
	return jobID, nil
}

// GetJobStatus proxies to the job record. A nil job means the id is unknown.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*store.Job, error) {
	return s.Store.GetJob(ctx, jobID)
}

// processFiles runs the per-file state machine sequentially. The first
// per-file failure marks the job failed and aborts the remaining files.
func (s *Service) processFiles(jobID, userID, projectID string, files []FileUpload, replaceSet map[string]bool) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("ingestion crashed: %v", r)
			log.Printf("[%s] %s", jobID, msg)
			_ = s.Store.UpdateJob(ctx, jobID, map[string]interface{}{
				"status":     store.JobFailed,
				"last_error": msg,
			})
		}
	}()

	for idx, file := range files {
		log.Printf("[%s] (%d/%d) Processing %s (%d bytes)", jobID, idx+1, len(files), file.Name, len(file.Data))
		if err := s.processFile(ctx, jobID, userID, projectID, file, replaceSet[file.Name]); err != nil {
			log.Printf("[%s] Failed processing %s: %v", jobID, file.Name, err)
			_ = s.Store.UpdateJob(ctx, jobID, map[string]interface{}{
				"completed":  idx + 1,
				"status":     store.JobFailed,
				"last_error": err.Error(),
			})
			return
		}
		fields := map[string]interface{}{"completed": idx + 1}
		if idx+1 == len(files) {
			fields["status"] = store.JobCompleted
		}
		_ = s.Store.UpdateJob(ctx, jobID, fields)
		log.Printf("[%s] Completed %s", jobID, file.Name)
	}
	log.Printf("[%s] Ingestion complete for %d files", jobID, len(files))
}

// processFile advances one file through the pipeline stages.
func (s *Service) processFile(ctx context.Context, jobID, userID, projectID string, file FileUpload, replace bool) error {
	st := stageReconciling
	if replace {
		st = stagePurging
		if err := s.Store.DeleteFileData(ctx, userID, projectID, file.Name); err != nil {
			return fmt.Errorf("%s: %w", st, err)
		}
		log.Printf("[%s] Replaced prior data for %s", jobID, file.Name)
	}

	st = stageParsing
	pages, err := s.Parser.ExtractPages(file.Name, file.Data)
	if err != nil {
		return fmt.Errorf("%s: %w", st, err)
	}

	st = stageCaptioning
	s.captionImages(ctx, jobID, file.Name, pages)

	st = stageChunking
	cards := s.Chunker.BuildCards(ctx, pages, file.Name, userID, projectID)
	log.Printf("[%s] Built %d cards for %s", jobID, len(cards), file.Name)

	if len(cards) > 0 {
		st = stageEmbedding
		texts := make([]string, len(cards))
		for i, c := range cards {
			texts[i] = c.Content
		}
		vectors, err := s.Embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("%s: %w", st, err)
		}
		if len(vectors) != len(cards) {
			return fmt.Errorf("%s: got %d vectors for %d cards", st, len(vectors), len(cards))
		}
		for i := range cards {
			cards[i].Embedding = vectors[i]
		}

		st = stagePersisting
		if err := s.Store.StoreChunks(ctx, cards); err != nil {
			return fmt.Errorf("%s: %w", st, err)
		}
	}

	// The file summary is written even when zero cards were produced.
	pageTexts := make([]string, len(pages))
	for i, p := range pages {
		pageTexts[i] = p.Text
	}
	summary := s.Sum.CheapSummarize(ctx, strings.Join(pageTexts, "\n\n"), 6)
	if err := s.Store.UpsertFileSummary(ctx, userID, projectID, file.Name, summary); err != nil {
		return fmt.Errorf("%s: %w", stagePersisting, err)
	}
	return nil
}

// captionImages captions page images best-effort and appends the captions to
// the page text. Missing captions never block progress.
func (s *Service) captionImages(ctx context.Context, jobID, filename string, pages []parser.Page) {
	if s.LLM == nil {
		return
	}
	for i := range pages {
		if len(pages[i].Images) == 0 {
			continue
		}
		var lines []string
		for _, img := range pages[i].Images {
			if caption := s.LLM.Caption(ctx, img); caption != "" {
				lines = append(lines, "[Image] "+caption)
			}
		}
		if len(lines) > 0 {
			pages[i].Text = strings.TrimSpace(pages[i].Text + "\n\n" + strings.Join(lines, "\n"))
			log.Printf("[%s] Captioned %d images on page %d of %s", jobID, len(lines), pages[i].Num, filename)
		}
	}
}
