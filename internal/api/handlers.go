package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sharecrypt/internal/audit"
	"github.com/kenneth/sharecrypt/internal/crypto"
	"github.com/kenneth/sharecrypt/internal/storage"
)

// maxJSONBody caps the size of JSON request bodies.
const maxJSONBody = 1 << 20

// KeyService manages user key pairs.
type KeyService interface {
	SetupUser(ctx context.Context, user, password string) error
	Unlock(ctx context.Context, user, password string) error
	Lock(user string)
	Unlocked(user string) bool
	ChangePassword(ctx context.Context, user, oldPassword, newPassword string) error
	SetRecovery(ctx context.Context, user string, enabled bool) error
}

// Handler serves the file and key management API.
type Handler struct {
	storage        *storage.EncryptedStorage
	keys           KeyService
	logger         *logrus.Logger
	auditLogger    audit.Logger
	maxUploadBytes int64
}

// NewHandler creates a new API handler. auditLogger may be nil; a
// maxUploadBytes of zero disables the upload limit.
func NewHandler(s *storage.EncryptedStorage, keys KeyService, logger *logrus.Logger, auditLogger audit.Logger, maxUploadBytes int64) *Handler {
	return &Handler{
		storage:        s,
		keys:           keys,
		logger:         logger,
		auditLogger:    auditLogger,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/users/{user}", h.handleSetupUser).Methods(http.MethodPost)
	r.HandleFunc("/users/{user}/unlock", h.handleUnlock).Methods(http.MethodPost)
	r.HandleFunc("/users/{user}/lock", h.handleLock).Methods(http.MethodPost)
	r.HandleFunc("/users/{user}/password", h.handleChangePassword).Methods(http.MethodPut)
	r.HandleFunc("/users/{user}/recovery", h.handleSetRecovery).Methods(http.MethodPut)

	r.HandleFunc("/files/{user}/{path:.*}", h.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{user}/{path:.*}", h.handlePutFile).Methods(http.MethodPut)
	r.HandleFunc("/files/{user}/{path:.*}", h.handleDeleteFile).Methods(http.MethodDelete)
	r.HandleFunc("/shares/{user}/{path:.*}", h.handleShareFile).Methods(http.MethodPost)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := TranslateError(err, r.URL.Path)
	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"code":       apiErr.Code,
		"client_ip":  getClientIP(r),
		"request_id": getRequestID(r),
	})
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	apiErr.WriteJSON(w)
}

// handleHealth handles health and readiness checks.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (h *Handler) handleSetupUser(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	var req passwordRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Password == "" {
		h.writeError(w, r, ErrInvalidRequest)
		return
	}
	if err := h.keys.SetupUser(r.Context(), user, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user": user})
}

func (h *Handler) unlock(ctx context.Context, user, password string) error {
	err := h.keys.Unlock(ctx, user, password)
	if h.auditLogger != nil {
		h.auditLogger.LogUnlock(user, err == nil, err)
	}
	return err
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	var req passwordRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.unlock(r.Context(), user, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) {
	h.keys.Lock(mux.Vars(r)["user"])
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	var req changePasswordRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.NewPassword == "" {
		h.writeError(w, r, ErrInvalidRequest)
		return
	}
	if err := h.keys.ChangePassword(r.Context(), user, req.OldPassword, req.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recoveryRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) handleSetRecovery(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	var req recoveryRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.keys.SetRecovery(r.Context(), user, req.Enabled); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fileRequest is the resolved target of a file route.
type fileRequest struct {
	owner string
	path  string
	creds *ClientCredentials
}

// resolveFile maps route variables onto a storage path and the acting
// user. A basic auth password unlocks the user's key on demand.
func (h *Handler) resolveFile(r *http.Request) (*fileRequest, error) {
	vars := mux.Vars(r)
	owner := vars["user"]
	path, ok := storagePath(owner, r.URL.Query().Get("area"), vars["path"])
	if !ok {
		return nil, ErrInvalidPath
	}
	creds, err := ExtractCredentials(r, owner)
	if err != nil {
		return nil, ErrInvalidRequest
	}
	if creds.Password != "" && !h.keys.Unlocked(creds.User) {
		if err := h.unlock(r.Context(), creds.User, creds.Password); err != nil {
			return nil, err
		}
	}
	return &fileRequest{owner: owner, path: path, creds: creds}, nil
}

// responseStarter defers the status line until the first body byte, so
// failures before any content can still become error responses.
type responseStarter struct {
	w       http.ResponseWriter
	started bool
}

func (s *responseStarter) start() {
	if !s.started {
		s.started = true
		s.w.Header().Set("Content-Type", "application/octet-stream")
		s.w.WriteHeader(http.StatusOK)
	}
}

func (s *responseStarter) Write(p []byte) (int, error) {
	s.start()
	return s.w.Write(p)
}

func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	req, err := h.resolveFile(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := &responseStarter{w: w}
	res, err := h.storage.ReadFile(r.Context(), req.path, req.creds.User, out)
	if err != nil {
		if !out.started {
			h.writeError(w, r, err)
			return
		}
		h.logger.WithError(err).WithFields(logrus.Fields{
			"path": req.path,
			"user": req.creds.User,
		}).Error("Failed to decrypt file after response started")
		panic(http.ErrAbortHandler)
	}
	out.start()

	h.logger.WithFields(logrus.Fields{
		"path":      req.path,
		"user":      req.creds.User,
		"encrypted": res.Encrypted,
		"bytes":     res.Bytes,
	}).Debug("Served file")
}

type putFileResponse struct {
	Path       string   `json:"path"`
	Encrypted  bool     `json:"encrypted"`
	Version    int      `json:"version,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Bytes      int64    `json:"bytes"`
}

func (h *Handler) handlePutFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := h.resolveFile(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body io.Reader = r.Body
	if h.maxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	accessList := ExtractAccessList(r, req.creds.User, req.owner)
	res, err := h.storage.WriteFile(r.Context(), req.path, req.creds.User, body, accessList)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"path":        req.path,
		"user":        req.creds.User,
		"encrypted":   res.Encrypted,
		"version":     res.Version,
		"recipients":  len(res.Recipients),
		"bytes":       res.Bytes,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Stored file")

	writeJSON(w, http.StatusCreated, putFileResponse{
		Path:       req.path,
		Encrypted:  res.Encrypted,
		Version:    res.Version,
		Recipients: res.Recipients,
		Bytes:      res.Bytes,
	})
}

func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	req, err := h.resolveFile(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.storage.Delete(r.Context(), req.path); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type shareRequest struct {
	Users  []string `json:"users"`
	Public bool     `json:"public"`
}

type shareResponse struct {
	Path   string   `json:"path"`
	Users  []string `json:"users"`
	Public bool     `json:"public"`
}

func (h *Handler) handleShareFile(w http.ResponseWriter, r *http.Request) {
	req, err := h.resolveFile(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body shareRequest
	if err := decodeJSON(w, r, maxJSONBody, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	accessList := crypto.AccessList{Users: []string{req.owner}, Public: body.Public}
	for _, u := range body.Users {
		if u != "" && u != req.owner {
			accessList.Users = append(accessList.Users, u)
		}
	}

	ok, err := h.storage.Share(r.Context(), req.path, req.creds.User, accessList)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, ErrNotEncrypted)
		return
	}
	writeJSON(w, http.StatusOK, shareResponse{Path: req.path, Users: accessList.Users, Public: accessList.Public})
}
