package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"veridoc/api/internal/auth"
	"veridoc/api/internal/authpw"
	"veridoc/api/internal/search"
	"veridoc/api/internal/store"
	"veridoc/api/internal/workflow"
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/password" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), session, body.CurrentPassword, body.NewPassword); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"legalName":     session.LegalName,
			"initials":      session.Initials,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if _, ok := s.requireSession(w, r); !ok {
			return
		}
		q := search.Query{
			Text:             r.URL.Query().Get("q"),
			FilterType:       search.ResultType(r.URL.Query().Get("type")),
			FilterDocumentID: r.URL.Query().Get("documentId"),
		}
		q.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
		q.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
		writeJSON(w, http.StatusOK, s.service.Search(q))
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "documents" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		s.handleDocuments(w, r, session, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	// /api/documents
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			docs, err := s.service.ListDocuments(r.Context())
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": documentPayloads(docs)})
		case http.MethodPost:
			var input CreateDocumentInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			doc, err := s.service.CreateDocument(r.Context(), session, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, documentPayload(doc))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	documentID := parts[0]

	// /api/documents/{id}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		doc, err := s.service.GetDocument(r.Context(), documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, documentPayload(doc))
		return
	}

	switch parts[1] {
	case "open":
		if r.Method != http.MethodPost {
			break
		}
		fresh, err := s.service.OpenDocument(r.Context(), session, documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, freshPayload(fresh))
		return

	case "release":
		if r.Method != http.MethodPost {
			break
		}
		if err := s.service.ReleaseDocument(r.Context(), session, documentID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return

	case "groups":
		switch r.Method {
		case http.MethodGet:
			groups, err := s.service.ListGroups(r.Context(), documentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
			return
		case http.MethodPut:
			var group workflow.Group
			if err := decodeBody(r, &group); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.ReplaceGroup(r.Context(), session, documentID, group); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

	case "audit":
		if r.Method != http.MethodGet {
			break
		}
		filter := store.AuditFilter{
			ActorEmail: r.URL.Query().Get("actorEmail"),
			Query:      r.URL.Query().Get("q"),
		}
		if raw := r.URL.Query().Get("actionType"); raw != "" {
			if actionType, err := strconv.Atoi(raw); err == nil {
				filter.ActionType = &actionType
			}
		}
		if raw := r.URL.Query().Get("stage"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				if stage, ok := workflow.ParseStage(n); ok {
					filter.Stage = &stage
				}
			}
		}
		filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
		records, err := s.service.AuditTrail(r.Context(), documentID, filter)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": auditPayloads(records)})
		return

	case "history":
		if r.Method != http.MethodGet {
			break
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		commits, err := s.service.DocumentHistory(r.Context(), documentID, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": commits})
		return

	case "snapshot":
		if r.Method != http.MethodGet {
			break
		}
		snap, commit, err := s.service.DocumentSnapshot(r.Context(), documentID, r.URL.Query().Get("hash"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshot": snap, "commit": commit})
		return

	case "attachments":
		s.handleAttachments(w, r, session, documentID, parts[2:])
		return

	case "sign", "freetext", "note", "correction", "checkbox", "bulk-na", "stage", "close", "finalise", "void":
		if r.Method != http.MethodPost {
			break
		}
		s.handleMutation(w, r, session, documentID, parts[1])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAttachments(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			attachments, err := s.service.store.ListAttachments(r.Context(), documentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"attachments": attachments})
		case http.MethodPost:
			var input AttachmentInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			record, err := s.service.AddAttachment(r.Context(), session, documentID, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, auditPayload(record))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	number, err := strconv.Atoi(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_NUMBER", "Attachment number must be an integer", nil)
		return
	}

	if len(parts) == 2 && parts[1] == "verify" && r.Method == http.MethodPost {
		var input VerifyAttachmentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		input.Number = number
		record, err := s.service.VerifyAttachment(r.Context(), session, documentID, input)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, auditPayload(record))
		return
	}

	if len(parts) == 2 && parts[1] == "url" && r.Method == http.MethodGet {
		att, err := s.service.store.GetAttachment(r.Context(), documentID, number)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if s.service.objects == nil {
			writeJSON(w, http.StatusOK, map[string]any{"url": att.URL})
			return
		}
		url, err := s.service.objects.PresignGet(r.Context(), documentID, att.Hash, 15*time.Minute)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMutation(w http.ResponseWriter, r *http.Request, session Session, documentID, op string) {
	var (
		record store.AuditRecord
		err    error
	)

	switch op {
	case "sign":
		var input SignInput
		if err = decodeBody(r, &input); err == nil {
			record, err = s.service.Sign(r.Context(), session, documentID, input)
		}
	case "freetext":
		var input TextInput
		if err = decodeBody(r, &input); err == nil {
			record, err = s.service.AddFreeText(r.Context(), session, documentID, input)
		}
	case "note":
		var input TextInput
		if err = decodeBody(r, &input); err == nil {
			record, err = s.service.AddNote(r.Context(), session, documentID, input)
		}
	case "correction":
		var input CorrectionInput
		if err = decodeBody(r, &input); err == nil {
			record, err = s.service.MakeCorrection(r.Context(), session, documentID, input)
		}
	case "checkbox":
		var input CheckboxInput
		if err = decodeBody(r, &input); err == nil {
			record, err = s.service.CheckBox(r.Context(), session, documentID, input)
		}
	case "bulk-na":
		var input BulkNAInput
		if err = decodeBody(r, &input); err == nil {
			record, err = s.service.BulkNA(r.Context(), session, documentID, input)
		}
	case "stage":
		var input StageChangeInput
		if err = decodeBody(r, &input); err == nil {
			record, err = s.service.AdvanceStage(r.Context(), session, documentID, input)
		}
	case "close":
		var input CloseInput
		if err = decodeBody(r, &input); err == nil {
			record, err = s.service.CloseDocument(r.Context(), session, documentID, input)
		}
	case "finalise":
		var input FinaliseInput
		if err = decodeBody(r, &input); err == nil {
			record, err = s.service.Finalise(r.Context(), session, documentID, input)
		}
	case "void":
		var input VoidInput
		if err = decodeBody(r, &input); err == nil {
			record, err = s.service.Void(r.Context(), session, documentID, input)
		}
	}

	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, auditPayload(record))
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		LegalName string `json:"legalName"`
		Initials  string `json:"initials"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:     body.Email,
		Password:  body.Password,
		LegalName: body.LegalName,
		Initials:  body.Initials,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
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
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrStaleDocument) {
		return http.StatusConflict, "STALE_DOCUMENT", "Document changed since it was loaded; reload and retry", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"legalName":    session.LegalName,
		"initials":     session.Initials,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":             doc.ID,
		"title":          doc.Title,
		"stage":          int(doc.Stage),
		"stageName":      doc.Stage.String(),
		"markerCounter":  doc.MarkerCounter,
		"emptyCellCount": doc.EmptyCellCount,
		"editTime":       doc.EditTime,
		"ownerId":        doc.OwnerID,
		"updatedBy":      doc.UpdatedBy,
	}
}

func documentPayloads(docs []store.Document) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		out = append(out, documentPayload(doc))
	}
	return out
}

func freshPayload(fresh store.FreshState) map[string]any {
	return map[string]any{
		"document":      documentPayload(fresh.Document),
		"groups":        fresh.Groups,
		"verifications": fresh.Verifications,
	}
}

func auditPayload(record store.AuditRecord) map[string]any {
	wire, err := record.Item.MarshalWire()
	if err != nil {
		return map[string]any{"id": record.ID}
	}
	var entry map[string]any
	_ = json.Unmarshal(wire, &entry)
	entry["id"] = record.ID
	entry["documentId"] = record.DocumentID
	return entry
}

func auditPayloads(records []store.AuditRecord) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		out = append(out, auditPayload(record))
	}
	return out
}
