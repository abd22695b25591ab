package main

import (
	"context"
	"log"
	"net/http"
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

func main() {
	_ = godotenv.Load() // Ignore error if .env doesn't exist
	cfg := config.Load()

	// MongoDB connection is attempted once at startup; on failure the server
	// still comes up and the handlers report the missing connection.
	var st *store.Store
	if cfg.MongoURI == "" {
		log.Printf("MONGO_URI not set; storage-dependent endpoints will return 500")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		s, err := store.New(ctx, cfg.MongoURI, cfg.MongoDB, cfg.InsertBatchSize)
		if err == nil {
			err = s.Ping(ctx)
		}
		if err != nil {
			log.Printf("Failed to initialize MongoDB: %v", err)
		} else {
			st = s
			log.Printf("MongoDB connection successful")
			if err := st.EnsureIndexes(ctx); err != nil {
				log.Printf("Warning: ensure indexes: %v", err)
			} else {
				log.Printf("MongoDB indexes ensured")
			}
		}
		cancel()
	}

	var emb *embedder.Client
	if cfg.EmbedBaseURL == "" {
		log.Printf("EMBED_BASE_URL not set; uploads will return 500")
	} else {
		e, err := embedder.New(cfg.EmbedBaseURL, cfg.EmbedBatchSize)
		if err != nil {
			log.Printf("Failed to initialize embedder: %v", err)
		} else {
			emb = e
		}
	}

	llmClient := llm.New(cfg.LLMBaseURL, cfg.LLMSmallModel, cfg.LLMLargeModel)
	sum := summarizer.New(llmClient)
	chk := chunker.New(llmClient, sum, cfg.ChunkMaxWords, cfg.ChunkMinWords, cfg.ChunkOverlapWords)
	prs := &parser.Parser{UseRichPDF: cfg.UseRichPDF}

	srv := &Server{cfg: cfg, store: st}
	if st != nil && emb != nil {
		srv.ingest = &ingest.Service{
			Store:     st,
			Embedder:  emb,
			Parser:    prs,
			Chunker:   chk,
			Sum:       sum,
			LLM:       llmClient,
			MaxFiles:  cfg.MaxFilesPerUpload,
			MaxFileMB: cfg.MaxFileMB,
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/upload", srv.handleUpload)
	mux.HandleFunc("/upload/status", srv.handleUploadStatus)
	mux.HandleFunc("/files", srv.handleFiles)
	mux.HandleFunc("/files/chunks", srv.handleFileChunks)
	mux.HandleFunc("/health", srv.handleHealth)

	addr := ":" + cfg.Port
	log.Printf("Ingestion pipeline listening on %s", addr)
	if err := http.ListenAndServe(addr, corsMiddleware(mux)); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
