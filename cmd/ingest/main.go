package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"studypipe/internal/chunker"
	"studypipe/internal/config"
	"studypipe/internal/embedder"
	"studypipe/internal/ingest"
	"studypipe/internal/llm"
	"studypipe/internal/parser"
	"studypipe/internal/store"
	"studypipe/internal/summarizer"
)

// Ingests every PDF/DOCX in a local directory for one user and project,
// bypassing the HTTP surface. Useful for bulk seeding a project.
func main() {
	_ = godotenv.Load() // Ignore error if .env doesn't exist
	cfg := config.Load()

	userID := flag.String("user", "", "user id to ingest for")
	projectID := flag.String("project", "", "project id to ingest for")
	dir := flag.String("dir", "corpus", "directory of PDF/DOCX files")
	replace := flag.Bool("replace", false, "purge prior data for each file before ingesting")
	flag.Parse()

	if *userID == "" || *projectID == "" {
		log.Fatal("both -user and -project are required")
	}
	if cfg.MongoURI == "" {
		log.Fatal("MONGO_URI environment variable is required")
	}
	if cfg.EmbedBaseURL == "" {
		log.Fatal("EMBED_BASE_URL environment variable is required")
	}

	ctx := context.Background()
	st, err := store.New(ctx, cfg.MongoURI, cfg.MongoDB, cfg.InsertBatchSize)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("MongoDB unreachable: %v", err)
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		log.Printf("Warning: ensure indexes: %v", err)
	}

	emb, err := embedder.New(cfg.EmbedBaseURL, cfg.EmbedBatchSize)
	if err != nil {
		log.Fatalf("Failed to initialize embedder: %v", err)
	}

	llmClient := llm.New(cfg.LLMBaseURL, cfg.LLMSmallModel, cfg.LLMLargeModel)
	sum := summarizer.New(llmClient)
	svc := &ingest.Service{
		Store:     st,
		Embedder:  emb,
		Parser:    &parser.Parser{UseRichPDF: cfg.UseRichPDF},
		Chunker:   chunker.New(llmClient, sum, cfg.ChunkMaxWords, cfg.ChunkMinWords, cfg.ChunkOverlapWords),
		Sum:       sum,
		LLM:       llmClient,
		MaxFiles:  cfg.MaxFilesPerUpload,
		MaxFileMB: cfg.MaxFileMB,
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		log.Fatalf("Failed to read directory %s: %v", *dir, err)
	}

	var files []ingest.FileUpload
	replaceSet := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".pdf" && ext != ".docx" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(*dir, e.Name()))
		if err != nil {
			log.Printf("Failed to read %s: %v", e.Name(), err)
			continue
		}
		files = append(files, ingest.FileUpload{Name: e.Name(), Data: raw})
		if *replace {
			replaceSet[e.Name()] = true
		}
	}
	if len(files) == 0 {
		log.Fatalf("No PDF/DOCX files found in %s", *dir)
	}

	start := time.Now()
	jobID, err := svc.SubmitUpload(ctx, ingest.UploadRequest{
		UserID:     *userID,
		ProjectID:  *projectID,
		Files:      files,
		ReplaceSet: replaceSet,
	})
	if err != nil {
		log.Fatalf("Submit failed: %v", err)
	}
	fmt.Printf("Job %s started for %d files\n", jobID, len(files))

	// Poll the job record until it reaches a terminal state.
	for {
		time.Sleep(2 * time.Second)
		job, err := svc.GetJobStatus(ctx, jobID)
		if err != nil || job == nil {
			log.Fatalf("Job lookup failed: %v", err)
		}
		fmt.Printf("  %d/%d files (%s)\n", job.Completed, job.Total, job.Status)
		if job.Status != store.JobProcessing {
			if job.LastError != nil {
				fmt.Printf("Last error: %s\n", *job.LastError)
			}
			fmt.Printf("Finished in %v with status %s\n", time.Since(start), job.Status)
			return
		}
	}
}
