package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"coverline/sync/internal/backend"
	"coverline/sync/internal/series"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
		var body struct {
			ProposalID string `json:"proposalId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.LoadProposal(r.Context(), body.ProposalID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, view)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "sessions" {
		s.handleSession(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"backend":   map[string]any{"status": "ok"},
		"rateCache": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["backend"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingRates(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["rateCache"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, sessionID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.GetSession(sessionID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.service.CloseSession(sessionID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && rest[0] == "refresh" && r.Method == http.MethodPost {
		view, err := s.service.ManualRefresh(r.Context(), sessionID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if len(rest) == 2 && rest[0] == "notices" && r.Method == http.MethodDelete {
		if err := s.service.DismissNotice(sessionID, rest[1]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) >= 1 && rest[0] == "illustrations" {
		s.handleIllustrations(w, r, sessionID, rest[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleIllustrations(w http.ResponseWriter, r *http.Request, sessionID string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleUpload(w, r, sessionID)
		return
	}

	illustrationID := rest[0]
	rest = rest[1:]

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodPut:
			var fields map[string]any
			if err := decodeBody(r, &fields); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			result, err := s.service.SaveIllustration(r.Context(), sessionID, illustrationID, fields)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, result)
		case http.MethodDelete:
			view, err := s.service.DeleteIllustration(r.Context(), sessionID, illustrationID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, view)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if rest[0] == "series" {
		s.handleSeries(w, r, sessionID, illustrationID, rest[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSeries(w http.ResponseWriter, r *http.Request, sessionID, illustrationID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.GetSeries(sessionID, illustrationID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.service.DiscardSeriesDraft(sessionID, illustrationID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if rest[0] == "commit" && len(rest) == 1 && r.Method == http.MethodPost {
		result, err := s.service.CommitSeriesDraft(r.Context(), sessionID, illustrationID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if rest[0] == "ages" {
		if len(rest) == 1 && r.Method == http.MethodPost {
			view, err := s.service.AddSeriesAge(sessionID, illustrationID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		}
		if len(rest) == 2 {
			age, err := strconv.Atoi(rest[1])
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "age must be an integer", nil)
				return
			}
			s.handleSeriesAge(w, r, sessionID, illustrationID, age)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSeriesAge(w http.ResponseWriter, r *http.Request, sessionID, illustrationID string, age int) {
	switch r.Method {
	case http.MethodPut:
		var body struct {
			NewAge *int          `json:"newAge"`
			Value  *series.Value `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var view *SeriesView
		var err error
		switch {
		case body.NewAge != nil:
			view, err = s.service.ChangeSeriesAge(sessionID, illustrationID, age, *body.NewAge)
		case body.Value != nil:
			view, err = s.service.SetSeriesValue(sessionID, illustrationID, age, *body.Value)
		default:
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "newAge or value is required", nil)
			return
		}
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		view, err := s.service.RemoveSeriesAge(sessionID, illustrationID, age)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := r.ParseMultipartForm(int64(backend.MaxUploadDocuments) * backend.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}

	var documents []backend.UploadDocument
	for _, header := range r.MultipartForm.File["documents"] {
		file, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", fmt.Sprintf("could not read %s", header.Filename), nil)
			return
		}
		content, err := io.ReadAll(io.LimitReader(file, backend.MaxUploadBytes+1))
		file.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", fmt.Sprintf("could not read %s", header.Filename), nil)
			return
		}
		documents = append(documents, backend.UploadDocument{Filename: header.Filename, Content: content})
	}

	view, err := s.service.UploadIllustrations(r.Context(), sessionID, documents)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, backend.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, backend.ErrConflict):
		return http.StatusConflict, "RECOVERY_REQUIRED", "The proposal changed elsewhere; reload it before saving again", nil
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusBadGateway, "BACKEND_UNAVAILABLE", "The analysis backend is unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
