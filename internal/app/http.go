package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pengcunfu/SimpleNotes/internal/auth"
	"github.com/pengcunfu/SimpleNotes/internal/blob"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.corsOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/search", s.handleSearch)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/verify-email", s.handleVerifyEmail)
			r.Post("/resend-verification", s.handleResendVerification)
			r.Post("/forgot-password", s.handleForgotPassword)
			r.Post("/reset-password", s.handleResetPassword)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", s.handleListDocuments)
			r.Post("/", s.handleCreateDocument)
			r.Get("/admin/stats", s.handleDocumentStats)
			r.Get("/{slug}", s.handleGetDocument)
			r.Put("/{id}", s.handleUpdateDocument)
			r.Delete("/{id}", s.handleDeleteDocument)
			r.Post("/{id}/like", s.handleToggleLike)
			r.Get("/{id}/likes", s.handleListLikes)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", s.handleListUsers)
			r.Get("/admin/stats", s.handleUserStats)
			r.Get("/{id}", s.handleGetUser)
			r.Put("/{id}", s.handleUpdateUser)
			r.Delete("/{id}", s.handleDeleteUser)
			r.Put("/{id}/password", s.handleChangePassword)
		})

		r.Route("/upload", func(r chi.Router) {
			r.Post("/", s.handleUploadFile)
			r.Post("/image", s.handleUploadImage)
			r.Get("/link/*", s.handleFileLink)
			r.Delete("/*", s.handleDeleteUpload)
		})
	})

	return r
}

// session resolves the caller from the Authorization header. A missing
// header yields the anonymous session; a present but invalid token is an
// error so expired credentials are not silently downgraded.
func (s *HTTPServer) session(r *http.Request) (Session, error) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, nil
	}
	return s.service.SessionFromToken(r.Context(), token)
}

// optionalSession is for public endpoints: a bad token is treated the
// same as no token at all.
func (s *HTTPServer) optionalSession(r *http.Request) Session {
	session, err := s.session(r)
	if err != nil {
		return Session{}
	}
	return session
}

// ---- Health ----

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// ---- Auth ----

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var input RegisterInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.Register(r.Context(), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var input LoginInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.Login(r.Context(), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.VerifyEmail(r.Context(), body.Token); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Email verified successfully"})
}

func (s *HTTPServer) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ResendVerification(r.Context(), body.Email); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "If the address exists, a verification email has been sent"})
}

func (s *HTTPServer) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ForgotPassword(r.Context(), body.Email); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "If the address exists, a reset email has been sent"})
}

func (s *HTTPServer) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Password reset successfully"})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	s.service.Logout(r.Context(), body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out successfully"})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	payload, err := s.service.Me(r.Context(), session)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ---- Documents ----

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	session := s.optionalSession(r)
	q := r.URL.Query()
	payload, err := s.service.ListDocuments(r.Context(), session, ListDocumentsParams{
		Status:   q.Get("status"),
		Category: q.Get("category"),
		Tag:      q.Get("tag"),
		Search:   q.Get("search"),
		Author:   q.Get("author"),
		Page:     intParam(q.Get("page"), 1),
		Limit:    intParam(q.Get("limit"), 10),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	session := s.optionalSession(r)
	payload, err := s.service.GetDocumentBySlug(r.Context(), session, chi.URLParam(r, "slug"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var input DocumentInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.CreateDocument(r.Context(), session, input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var input DocumentInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.UpdateDocument(r.Context(), session, chi.URLParam(r, "id"), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.service.DeleteDocument(r.Context(), session, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Document deleted successfully"})
}

func (s *HTTPServer) handleToggleLike(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	payload, err := s.service.ToggleLike(r.Context(), session, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleListLikes(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ListLikes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDocumentStats(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	payload, err := s.service.DocumentStats(r.Context(), session)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ---- Users ----

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	q := r.URL.Query()
	payload, err := s.service.ListUsers(r.Context(), session, ListUsersParams{
		Role:   q.Get("role"),
		Search: q.Get("search"),
		Page:   intParam(q.Get("page"), 1),
		Limit:  intParam(q.Get("limit"), 10),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	payload, err := s.service.GetUser(r.Context(), session, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var input UpdateUserInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.UpdateUser(r.Context(), session, chi.URLParam(r, "id"), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.service.DeleteUser(r.Context(), session, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "User deleted successfully"})
}

func (s *HTTPServer) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var input ChangePasswordInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ChangePassword(r.Context(), session, chi.URLParam(r, "id"), input); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Password changed successfully"})
}

func (s *HTTPServer) handleUserStats(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	payload, err := s.service.UserStats(r.Context(), session)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ---- Uploads ----

func (s *HTTPServer) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, "file", "uploads")
}

func (s *HTTPServer) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, "image", "images")
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, field, folder string) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, blob.MaxUploadSize)
	if err := r.ParseMultipartForm(blob.MaxUploadSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
			fmt.Sprintf("File exceeds the %d MB limit", blob.MaxUploadSize>>20), nil)
		return
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "No file provided", nil)
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")

	var payload map[string]any
	if folder == "images" {
		payload, err = s.service.UploadImage(r.Context(), session, file, header.Size, mimeType, header.Filename)
	} else {
		payload, err = s.service.UploadFile(r.Context(), session, file, header.Size, mimeType, header.Filename, folder)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleFileLink(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	objectName := chi.URLParam(r, "*")
	if objectName == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Object name is required", nil)
		return
	}
	payload, err := s.service.FileLink(r.Context(), session, objectName)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	objectName := chi.URLParam(r, "*")
	if objectName == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Object name is required", nil)
		return
	}
	if err := s.service.DeleteUpload(r.Context(), session, objectName); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "File deleted successfully"})
}

// ---- Search ----

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	session := s.optionalSession(r)
	q := r.URL.Query()

	text := strings.TrimSpace(q.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Query parameter q is required", nil)
		return
	}

	limit := intParam(q.Get("limit"), 10)
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	page := intParam(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}

	resp := s.service.Search(session, SearchParams{
		Text:     text,
		Category: q.Get("category"),
		Limit:    limit,
		Offset:   (page - 1) * limit,
	})
	writeJSON(w, http.StatusOK, resp)
}

// ---- Helpers ----

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func writeDomainError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "TOKEN_EXPIRED", "Token expired", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
