package main

import (
	"encoding/json"
	"net/http"

	"studypipe/internal/config"
	"studypipe/internal/ingest"
	"studypipe/internal/store"
)

// Server holds the shared clients. store and ingest are nil when the
// corresponding configuration is missing; handlers surface that as 500.
type Server struct {
	cfg    config.Config
	store  *store.Store
	ingest *ingest.Service
}

// ----- Response types -----

type UploadResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	TotalFiles int    `json:"total_files"`
}

type JobStatusResponse struct {
	JobID     string  `json:"job_id"`
	Status    string  `json:"status"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	LastError *string `json:"last_error"`
}

type FilesListResponse struct {
	Files     []store.FileSummary `json:"files"`
	Filenames []string            `json:"filenames"`
}

type ChunksResponse struct {
	Chunks []map[string]interface{} `json:"chunks"`
}

type HealthResponse struct {
	OK               bool   `json:"ok"`
	MongoDBConnected bool   `json:"mongodb_connected"`
	Service          string `json:"service"`
}

// ========== Middleware ==========

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ========== Helpers ==========

func jsonResp(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
