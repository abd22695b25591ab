package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"studypipe/internal/chunker"
	"studypipe/internal/config"
	"studypipe/internal/parser"
	"studypipe/internal/store"
	"studypipe/internal/summarizer"
)

// ========== Fakes ==========

type fakeStore struct {
	mu        sync.Mutex
	cards     []chunker.Card
	summaries map[string]string
	jobs      map[string]*store.Job
	deleted   []string
	failStore bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		summaries: map[string]string{},
		jobs:      map[string]*store.Job{},
	}
}

func (f *fakeStore) DeleteFileData(ctx context.Context, userID, projectID, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, filename)
	kept := f.cards[:0]
	for _, c := range f.cards {
		if c.Filename != filename {
			kept = append(kept, c)
		}
	}
	f.cards = kept
	delete(f.summaries, filename)
	return nil
}

func (f *fakeStore) StoreChunks(ctx context.Context, cards []chunker.Card) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStore {
		return errors.New("insert refused")
	}
	f.cards = append(f.cards, cards...)
	return nil
}

func (f *fakeStore) UpsertFileSummary(ctx context.Context, userID, projectID, filename, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[filename] = summary
	return nil
}

func (f *fakeStore) CreateJob(ctx context.Context, job store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = &job
	return nil
}

func (f *fakeStore) UpdateJob(ctx context.Context, jobID string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	for k, v := range fields {
		switch k {
		case "completed":
			job.Completed = v.(int)
		case "status":
			job.Status = v.(string)
		case "last_error":
			msg := v.(string)
			job.LastError = &msg
		}
	}
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) cardsFor(filename string) []chunker.Card {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chunker.Card
	for _, c := range f.cards {
		if c.Filename == filename {
			out = append(out, c)
		}
	}
	return out
}

type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		v := make([]float32, config.VectorDim)
		v[0] = float32(i + 1)
		out[i] = v
	}
	return out, nil
}

func newService(fs *fakeStore, fe *fakeEmbedder) *Service {
	sum := summarizer.New(nil)
	return &Service{
		Store:     fs,
		Embedder:  fe,
		Parser:    &parser.Parser{},
		Chunker:   chunker.New(nil, sum, 450, 150, 50),
		Sum:       sum,
		MaxFiles:  15,
		MaxFileMB: 50,
	}
}

func pdfBytes(text string) []byte {
	return []byte(fmt.Sprintf("/Type /Page BT (%s) Tj ET", text))
}

func waitJob(t *testing.T, fs *fakeStore, jobID string) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := fs.GetJob(context.Background(), jobID)
		if job != nil && job.Status != store.JobProcessing {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

// ========== Validation ==========

func TestSubmitUpload_Validation(t *testing.T) {
	svc := newService(newFakeStore(), &fakeEmbedder{})
	ok := []FileUpload{{Name: "a.pdf", Data: pdfBytes("hello world")}}

	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"missing user", UploadRequest{ProjectID: "p", Files: ok}},
		{"missing project", UploadRequest{UserID: "u", Files: ok}},
		{"blank user", UploadRequest{UserID: "   ", ProjectID: "p", Files: ok}},
		{"no files", UploadRequest{UserID: "u", ProjectID: "p"}},
		{"empty file", UploadRequest{UserID: "u", ProjectID: "p",
			Files: []FileUpload{{Name: "empty.pdf", Data: nil}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitUpload(context.Background(), tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSubmitUpload_TooManyFiles(t *testing.T) {
	svc := newService(newFakeStore(), &fakeEmbedder{})
	svc.MaxFiles = 2
	files := []FileUpload{
		{Name: "a.pdf", Data: pdfBytes("a")},
		{Name: "b.pdf", Data: pdfBytes("b")},
		{Name: "c.pdf", Data: pdfBytes("c")},
	}
	_, err := svc.SubmitUpload(context.Background(), UploadRequest{UserID: "u", ProjectID: "p", Files: files})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSubmitUpload_OversizeFile(t *testing.T) {
	svc := newService(newFakeStore(), &fakeEmbedder{})
	svc.MaxFileMB = 1
	big := make([]byte, (1<<20)+1)
	_, err := svc.SubmitUpload(context.Background(), UploadRequest{
		UserID: "u", ProjectID: "p",
		Files: []FileUpload{{Name: "big.pdf", Data: big}},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSubmitUpload_DuplicateAfterRename(t *testing.T) {
	svc := newService(newFakeStore(), &fakeEmbedder{})
	files := []FileUpload{
		{Name: "a.pdf", Data: pdfBytes("a")},
		{Name: "b.pdf", Data: pdfBytes("b")},
	}
	_, err := svc.SubmitUpload(context.Background(), UploadRequest{
		UserID: "u", ProjectID: "p", Files: files,
		RenameMap: map[string]string{"a.pdf": "b.pdf"},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for colliding names, got %v", err)
	}
}

// ========== End to end ==========

func TestUpload_SingleFileCompletes(t *testing.T) {
	fs := newFakeStore()
	svc := newService(fs, &fakeEmbedder{})
	text := "Thermodynamics lecture. Heat flows from hot bodies to cold bodies. " +
		"Entropy never decreases in a closed system."
	jobID, err := svc.SubmitUpload(context.Background(), UploadRequest{
		UserID: "u1", ProjectID: "p1",
		Files: []FileUpload{{Name: "thermo.pdf", Data: pdfBytes(text)}},
	})
	if err != nil {
		t.Fatal(err)
	}

	job := waitJob(t, fs, jobID)
	if job.Status != store.JobCompleted {
		t.Fatalf("job status %s, last_error %v", job.Status, job.LastError)
	}
	if job.Completed != 1 || job.Total != 1 {
		t.Errorf("progress %d/%d", job.Completed, job.Total)
	}

	cards := fs.cardsFor("thermo.pdf")
	if len(cards) == 0 {
		t.Fatal("no cards persisted")
	}
	for i, c := range cards {
		if len(c.Embedding) != config.VectorDim {
			t.Errorf("card %d embedding dim %d", i, len(c.Embedding))
		}
		if c.UserID != "u1" || c.ProjectID != "p1" {
			t.Errorf("card %d ownership wrong: %+v", i, c)
		}
	}
	// Embeddings are assigned in card order.
	if cards[0].Embedding[0] != 1 {
		t.Errorf("first card got vector marker %v", cards[0].Embedding[0])
	}

	fs.mu.Lock()
	summary := fs.summaries["thermo.pdf"]
	fs.mu.Unlock()
	if summary == "" {
		t.Error("file summary not written")
	}
}

func TestUpload_RenameApplied(t *testing.T) {
	fs := newFakeStore()
	svc := newService(fs, &fakeEmbedder{})
	jobID, err := svc.SubmitUpload(context.Background(), UploadRequest{
		UserID: "u", ProjectID: "p",
		Files:     []FileUpload{{Name: "upload.pdf", Data: pdfBytes("renamed content goes here")}},
		RenameMap: map[string]string{"upload.pdf": "final.pdf"},
	})
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, fs, jobID)
	if job.Status != store.JobCompleted {
		t.Fatalf("job failed: %v", job.LastError)
	}
	if len(fs.cardsFor("upload.pdf")) != 0 {
		t.Error("cards stored under original name")
	}
	if len(fs.cardsFor("final.pdf")) == 0 {
		t.Error("no cards under effective name")
	}
	fs.mu.Lock()
	_, ok := fs.summaries["final.pdf"]
	fs.mu.Unlock()
	if !ok {
		t.Error("summary not keyed by effective name")
	}
}

func TestUpload_ReplacePurgesFirst(t *testing.T) {
	fs := newFakeStore()
	fs.cards = append(fs.cards, chunker.Card{Filename: "doc.pdf", CardID: "stale-c0001"})
	svc := newService(fs, &fakeEmbedder{})
	jobID, err := svc.SubmitUpload(context.Background(), UploadRequest{
		UserID: "u", ProjectID: "p",
		Files:      []FileUpload{{Name: "doc.pdf", Data: pdfBytes("fresh content for the doc")}},
		ReplaceSet: map[string]bool{"doc.pdf": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, fs, jobID)
	if job.Status != store.JobCompleted {
		t.Fatalf("job failed: %v", job.LastError)
	}
	fs.mu.Lock()
	deleted := append([]string{}, fs.deleted...)
	fs.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "doc.pdf" {
		t.Errorf("purge not invoked: %v", deleted)
	}
	for _, c := range fs.cardsFor("doc.pdf") {
		if c.CardID == "stale-c0001" {
			t.Error("stale card survived the purge")
		}
	}
}

func TestUpload_NoReplaceKeepsExisting(t *testing.T) {
	fs := newFakeStore()
	fs.cards = append(fs.cards, chunker.Card{Filename: "doc.pdf", CardID: "old-c0001"})
	svc := newService(fs, &fakeEmbedder{})
	jobID, err := svc.SubmitUpload(context.Background(), UploadRequest{
		UserID: "u", ProjectID: "p",
		Files: []FileUpload{{Name: "doc.pdf", Data: pdfBytes("appended content")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, fs, jobID)
	fs.mu.Lock()
	deleted := len(fs.deleted)
	fs.mu.Unlock()
	if deleted != 0 {
		t.Error("purge invoked without replace directive")
	}
}

func TestUpload_FirstFailureAbortsRemaining(t *testing.T) {
	fs := newFakeStore()
	svc := newService(fs, &fakeEmbedder{})
	jobID, err := svc.SubmitUpload(context.Background(), UploadRequest{
		UserID: "u", ProjectID: "p",
		Files: []FileUpload{
			{Name: "bad.txt", Data: []byte("unsupported")},
			{Name: "good.pdf", Data: pdfBytes("never reached")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, fs, jobID)
	if job.Status != store.JobFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
	if job.LastError == nil || *job.LastError == "" {
		t.Error("last_error not recorded")
	}
	if job.Completed != 1 {
		t.Errorf("completed = %d, want 1 (counts the failed file)", job.Completed)
	}
	if len(fs.cardsFor("good.pdf")) != 0 {
		t.Error("file after the failure was still processed")
	}
}

func TestUpload_StoreFailureFailsJob(t *testing.T) {
	fs := newFakeStore()
	fs.failStore = true
	svc := newService(fs, &fakeEmbedder{})
	jobID, err := svc.SubmitUpload(context.Background(), UploadRequest{
		UserID: "u", ProjectID: "p",
		Files: []FileUpload{{Name: "doc.pdf", Data: pdfBytes("content that produces cards")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, fs, jobID)
	if job.Status != store.JobFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
	if job.LastError == nil {
		t.Fatal("last_error missing")
	}
}

func TestUpload_EmbedderFailureFailsJob(t *testing.T) {
	fs := newFakeStore()
	svc := newService(fs, &fakeEmbedder{fail: true})
	jobID, err := svc.SubmitUpload(context.Background(), UploadRequest{
		UserID: "u", ProjectID: "p",
		Files: []FileUpload{{Name: "doc.pdf", Data: pdfBytes("content that produces cards")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, fs, jobID)
	if job.Status != store.JobFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
}

func TestUpload_MultiFileProgress(t *testing.T) {
	fs := newFakeStore()
	svc := newService(fs, &fakeEmbedder{})
	files := []FileUpload{
		{Name: "one.pdf", Data: pdfBytes("first document body")},
		{Name: "two.pdf", Data: pdfBytes("second document body")},
		{Name: "three.pdf", Data: pdfBytes("third document body")},
	}
	jobID, err := svc.SubmitUpload(context.Background(), UploadRequest{
		UserID: "u", ProjectID: "p", Files: files,
	})
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, fs, jobID)
	if job.Status != store.JobCompleted {
		t.Fatalf("job failed: %v", job.LastError)
	}
	if job.Completed != 3 || job.Total != 3 {
		t.Errorf("progress %d/%d", job.Completed, job.Total)
	}
	for _, f := range files {
		if len(fs.cardsFor(f.Name)) == 0 {
			t.Errorf("no cards for %s", f.Name)
		}
	}
}

func TestGetJobStatus_UnknownJob(t *testing.T) {
	svc := newService(newFakeStore(), &fakeEmbedder{})
	job, err := svc.GetJobStatus(context.Background(), "no-such-job")
	if err != nil || job != nil {
		t.Errorf("expected nil, nil; got %v, %v", job, err)
	}
}
