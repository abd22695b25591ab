package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"studypipe/internal/ingest"
	"studypipe/internal/store"
)

// ========== File Upload & Ingestion Endpoints ==========

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ingest == nil {
		jsonErr(w, "MongoDB connection not available", http.StatusInternalServerError)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonErr(w, "Failed to parse upload: "+err.Error(), http.StatusBadRequest)
		return
	}

	userID := r.FormValue("user_id")
	projectID := r.FormValue("project_id")
	if userID == "" || projectID == "" {
		jsonErr(w, "user_id and project_id are required", http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		jsonErr(w, "No files uploaded", http.StatusBadRequest)
		return
	}

	replaceSet, renameMap := parseUploadDirectives(
		r.FormValue("replace_filenames"),
		r.FormValue("rename_map"),
	)

	var files []ingest.FileUpload
	for _, fh := range headers {
		src, err := fh.Open()
		if err != nil {
			jsonErr(w, "Failed to read "+fh.Filename+": "+err.Error(), http.StatusBadRequest)
			return
		}
		raw, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			jsonErr(w, "Failed to read "+fh.Filename+": "+err.Error(), http.StatusBadRequest)
			return
		}
		files = append(files, ingest.FileUpload{Name: fh.Filename, Data: raw})
	}

	jobID, err := s.ingest.SubmitUpload(r.Context(), ingest.UploadRequest{
		UserID:     userID,
		ProjectID:  projectID,
		Files:      files,
		ReplaceSet: replaceSet,
		RenameMap:  renameMap,
	})
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			jsonErr(w, verr.Msg, http.StatusBadRequest)
			return
		}
		jsonErr(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jsonResp(w, UploadResponse{JobID: jobID, Status: "processing", TotalFiles: len(files)})
}

// parseUploadDirectives decodes the optional replace_filenames JSON array and
// rename_map JSON object form fields. Malformed JSON is ignored.
func parseUploadDirectives(replaceRaw, renameRaw string) (map[string]bool, map[string]string) {
	replaceSet := map[string]bool{}
	if replaceRaw != "" {
		var names []string
		if err := json.Unmarshal([]byte(replaceRaw), &names); err == nil {
			for _, n := range names {
				replaceSet[n] = true
			}
		}
	}
	renameMap := map[string]string{}
	if renameRaw != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(renameRaw), &m); err == nil {
			renameMap = m
		}
	}
	return replaceSet, renameMap
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ingest == nil {
		jsonErr(w, "MongoDB connection not available", http.StatusInternalServerError)
		return
	}
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		jsonErr(w, "job_id is required", http.StatusBadRequest)
		return
	}
	job, err := s.ingest.GetJobStatus(r.Context(), jobID)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		jsonErr(w, "Job not found", http.StatusNotFound)
		return
	}
	jsonResp(w, JobStatusResponse{
		JobID:     job.JobID,
		Status:    job.Status,
		Total:     job.Total,
		Completed: job.Completed,
		LastError: job.LastError,
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		jsonErr(w, "MongoDB connection not available", http.StatusInternalServerError)
		return
	}
	userID := r.URL.Query().Get("user_id")
	projectID := r.URL.Query().Get("project_id")
	if userID == "" || projectID == "" {
		jsonErr(w, "user_id and project_id are required", http.StatusBadRequest)
		return
	}
	files, err := s.store.ListFiles(r.Context(), userID, projectID)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := FilesListResponse{Files: files, Filenames: []string{}}
	if resp.Files == nil {
		resp.Files = []store.FileSummary{}
	}
	for _, f := range files {
		resp.Filenames = append(resp.Filenames, f.Filename)
	}
	jsonResp(w, resp)
}

func (s *Server) handleFileChunks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		jsonErr(w, "MongoDB connection not available", http.StatusInternalServerError)
		return
	}
	q := r.URL.Query()
	userID, projectID, filename := q.Get("user_id"), q.Get("project_id"), q.Get("filename")
	if userID == "" || projectID == "" || filename == "" {
		jsonErr(w, "user_id, project_id and filename are required", http.StatusBadRequest)
		return
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	chunks, err := s.store.GetFileChunks(r.Context(), userID, projectID, filename, limit)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if chunks == nil {
		chunks = []map[string]interface{}{}
	}
	jsonResp(w, ChunksResponse{Chunks: chunks})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	connected := false
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err == nil {
			connected = s.store.EnsureIndexes(r.Context()) == nil
		}
	}
	jsonResp(w, HealthResponse{OK: connected, MongoDBConnected: connected, Service: "ingestion_pipeline"})
}
