package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sharecrypt/internal/audit"
	"github.com/kenneth/sharecrypt/internal/config"
	"github.com/kenneth/sharecrypt/internal/crypto"
	"github.com/kenneth/sharecrypt/internal/keystore"
	"github.com/kenneth/sharecrypt/internal/middleware"
	"github.com/kenneth/sharecrypt/internal/storage"
)

type testServer struct {
	router *mux.Router
	keys   *keystore.Manager
	audit  audit.Logger
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()

	engine, err := crypto.NewBlockEngine(crypto.BlockConfig{})
	require.NoError(t, err)
	codec := crypto.NewPrivateKeyCodec(engine, "instance", "secret")
	keys := keystore.NewManager(keystore.NewMemoryStore(), codec, nil, keystore.Config{RSABits: 2048}, logger)

	policy := config.NewPolicyManager(nil)
	module, err := crypto.NewModule(keys, crypto.Options{
		SupportLegacy: true,
		ShouldEncrypt: policy.ShouldEncrypt,
	}, logger, nil)
	require.NoError(t, err)

	backend, err := storage.NewFilesystemBackend(t.TempDir())
	require.NoError(t, err)
	auditLogger := audit.NewLogger(100, nil)
	store := storage.NewEncryptedStorage(backend, module, keys, logger, storage.WithAudit(auditLogger))

	router := mux.NewRouter().SkipClean(true)
	NewHandler(store, keys, logger, auditLogger, maxUpload).RegisterRoutes(router)
	return &testServer{router: router, keys: keys, audit: auditLogger}
}

func (s *testServer) do(t *testing.T, method, target string, body []byte, setup ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for _, fn := range setup {
		fn(req)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) setupUser(t *testing.T, user string) {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/users/"+user, []byte(`{"password":"`+user+`-pw"}`))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func actingAs(user string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(middleware.UserHeader, user) }
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) APIError {
	t.Helper()
	var e APIError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e), rr.Body.String())
	return e
}

func TestHandler_Health(t *testing.T) {
	s := newTestServer(t, 0)
	rr := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestHandler_PutGetRoundTrip(t *testing.T) {
	s := newTestServer(t, 0)
	s.setupUser(t, "alice")

	content := bytes.Repeat([]byte("0123456789"), 2000)
	rr := s.do(t, http.MethodPut, "/files/alice/docs/report.txt", content)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var res putFileResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "/alice/files/docs/report.txt", res.Path)
	assert.True(t, res.Encrypted)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, []string{"alice"}, res.Recipients)
	assert.Equal(t, int64(len(content)), res.Bytes)

	rr = s.do(t, http.MethodGet, "/files/alice/docs/report.txt", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, content, rr.Body.Bytes())
}

func TestHandler_EmptyFile(t *testing.T) {
	s := newTestServer(t, 0)
	s.setupUser(t, "alice")

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/files/alice/empty", nil).Code)
	rr := s.do(t, http.MethodGet, "/files/alice/empty", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.Bytes())
}

func TestHandler_PartNames(t *testing.T) {
	s := newTestServer(t, 0)
	s.setupUser(t, "alice")

	rr := s.do(t, http.MethodPut, "/files/alice/notes.part", []byte("hello"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = s.do(t, http.MethodGet, "/files/alice/notes.part", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "hello", rr.Body.String())

	rr = s.do(t, http.MethodPut, "/files/alice/notes.ocTransferId3.part", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_ShareHeadersAndShareRoute(t *testing.T) {
	s := newTestServer(t, 0)
	for _, u := range []string{"alice", "bob", "carol"} {
		s.setupUser(t, u)
	}

	rr := s.do(t, http.MethodPut, "/files/alice/shared.txt", []byte("for bob"), func(r *http.Request) {
		r.Header.Set(ShareWithHeader, "bob")
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/files/alice/shared.txt", nil, actingAs("bob"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "for bob", rr.Body.String())

	rr = s.do(t, http.MethodGet, "/files/alice/shared.txt", nil, actingAs("carol"))
	require.Equal(t, http.StatusForbidden, rr.Code)
	apiErr := decodeError(t, rr)
	assert.Equal(t, "DecryptionFailed", apiErr.Code)
	assert.Equal(t, crypto.HintReshare, apiErr.Hint)

	rr = s.do(t, http.MethodPost, "/shares/alice/shared.txt", []byte(`{"users":["carol"]}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"path":"/alice/files/shared.txt","users":["alice","carol"],"public":false}`, rr.Body.String())

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/files/alice/shared.txt", nil, actingAs("carol")).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/files/alice/shared.txt", nil, actingAs("bob")).Code)
}

func TestHandler_ShareUnencrypted(t *testing.T) {
	s := newTestServer(t, 0)
	s.setupUser(t, "alice")

	rr := s.do(t, http.MethodPost, "/shares/alice/missing.txt", []byte(`{"users":["bob"]}`))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "NotEncrypted", decodeError(t, rr).Code)

	rr = s.do(t, http.MethodPost, "/shares/alice/missing.txt", []byte(`{"people":["bob"]}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "MalformedJSON", decodeError(t, rr).Code)
}

func TestHandler_Delete(t *testing.T) {
	s := newTestServer(t, 0)
	s.setupUser(t, "alice")

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/files/alice/a.txt", []byte("x")).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/files/alice/a.txt", nil).Code)

	rr := s.do(t, http.MethodGet, "/files/alice/a.txt", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NoSuchFile", decodeError(t, rr).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/files/alice/a.txt", nil).Code)
}

func TestHandler_InvalidPaths(t *testing.T) {
	s := newTestServer(t, 0)

	for _, target := range []string{
		"/files/alice/a//b.txt",
		"/files/alice/a/./b.txt",
		"/files/alice/../bob/x.txt",
		"/files/alice/x.txt?area=cache",
	} {
		rr := s.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestHandler_AreaQuery(t *testing.T) {
	s := newTestServer(t, 0)
	s.setupUser(t, "alice")

	rr := s.do(t, http.MethodPut, "/files/alice/a.txt.v1?area=files_versions", []byte("old"))
	require.Equal(t, http.StatusCreated, rr.Code)
	var res putFileResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "/alice/files_versions/a.txt.v1", res.Path)
	assert.True(t, res.Encrypted)
}

func TestHandler_UserLifecycle(t *testing.T) {
	s := newTestServer(t, 0)
	s.setupUser(t, "alice")

	rr := s.do(t, http.MethodPost, "/users/alice", []byte(`{"password":"again"}`))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "UserExists", decodeError(t, rr).Code)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/users/bob", []byte(`{"password":""}`)).Code)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/files/alice/a.txt", []byte("secret")).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/users/alice/lock", nil).Code)

	rr = s.do(t, http.MethodGet, "/files/alice/a.txt", nil)
	assert.Equal(t, http.StatusLocked, rr.Code)
	assert.Equal(t, "KeyLocked", decodeError(t, rr).Code)

	rr = s.do(t, http.MethodPost, "/users/alice/unlock", []byte(`{"password":"wrong"}`))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "InvalidPassword", decodeError(t, rr).Code)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/users/alice/unlock", []byte(`{"password":"alice-pw"}`)).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/files/alice/a.txt", nil).Code)

	rr = s.do(t, http.MethodPost, "/users/nobody/unlock", []byte(`{"password":"x"}`))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	var unlocks, failed int
	for _, ev := range s.audit.Events() {
		if ev.EventType == audit.EventTypePrivateKeyUnlock {
			unlocks++
			if !ev.Success {
				failed++
			}
		}
	}
	assert.Equal(t, 3, unlocks)
	assert.Equal(t, 2, failed)
}

func TestHandler_BasicAuthUnlocks(t *testing.T) {
	s := newTestServer(t, 0)
	s.setupUser(t, "alice")
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/files/alice/a.txt", []byte("secret")).Code)
	s.keys.Lock("alice")

	rr := s.do(t, http.MethodGet, "/files/alice/a.txt", nil, func(r *http.Request) { r.SetBasicAuth("alice", "alice-pw") })
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "secret", rr.Body.String())
	assert.True(t, s.keys.Unlocked("alice"))
}

func TestHandler_PasswordAndRecovery(t *testing.T) {
	s := newTestServer(t, 0)
	s.setupUser(t, "alice")

	rr := s.do(t, http.MethodPut, "/users/alice/password", []byte(`{"old_password":"alice-pw","new_password":"next"}`))
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	s.keys.Lock("alice")
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/users/alice/unlock", []byte(`{"password":"next"}`)).Code)

	rr = s.do(t, http.MethodPut, "/users/alice/password", []byte(`{"old_password":"bad","new_password":"x"}`))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPut, "/users/alice/recovery", []byte(`{"enabled":true}`)).Code)
}

func TestHandler_UploadLimit(t *testing.T) {
	s := newTestServer(t, 1024)
	s.setupUser(t, "alice")

	rr := s.do(t, http.MethodPut, "/files/alice/big.bin", bytes.Repeat([]byte("a"), 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, "EntityTooLarge", decodeError(t, rr).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/files/alice/big.bin", nil).Code)
}

func TestHandler_MissingOwnerKey(t *testing.T) {
	s := newTestServer(t, 0)
	s.setupUser(t, "alice")

	rr := s.do(t, http.MethodPut, "/files/dave/a.txt", []byte("x"), actingAs("alice"))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "PublicKeyMissing", decodeError(t, rr).Code)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{storage.ErrNotExist, "NoSuchFile", http.StatusNotFound},
		{fmt.Errorf("x: %w", keystore.ErrLocked), "KeyLocked", http.StatusLocked},
		{keystore.ErrNotFound, "NoSuchUser", http.StatusNotFound},
		{crypto.ErrBadSignature, "IntegrityCheckFailed", http.StatusUnprocessableEntity},
		{crypto.ErrMissingSignature, "IntegrityCheckFailed", http.StatusUnprocessableEntity},
		{&crypto.DecryptionFailedError{Hint: crypto.HintCorrupt}, "DecryptionFailed", http.StatusUnprocessableEntity},
		{&http.MaxBytesError{Limit: 1}, "EntityTooLarge", http.StatusRequestEntityTooLarge},
		{ErrInvalidPath, "InvalidPath", http.StatusBadRequest},
		{errors.New("disk on fire"), "InternalError", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got := TranslateError(tt.err, "/files/alice/a.txt")
		assert.Equal(t, tt.code, got.Code, tt.err.Error())
		assert.Equal(t, tt.status, got.HTTPStatus, tt.err.Error())
		assert.Equal(t, "/files/alice/a.txt", got.Resource)
	}
	assert.Nil(t, TranslateError(nil, ""))
	assert.Empty(t, ErrInvalidPath.Resource, "predefined errors are not mutated")
}

func TestStoragePath(t *testing.T) {
	tests := []struct {
		owner, area, rel string
		want             string
		ok               bool
	}{
		{"alice", "", "a.txt", "/alice/files/a.txt", true},
		{"alice", "files_trashbin", "d/a.txt", "/alice/files_trashbin/d/a.txt", true},
		{"alice", "cache", "a.txt", "", false},
		{"alice", "", "", "", false},
		{"alice", "", "../bob/a.txt", "", false},
		{"", "", "a.txt", "", false},
		{"alice", "", "notes.part", "/alice/files/notes.part", true},
		{"alice", "", "notes.ocTransferId7.part", "", false},
	}
	for _, tt := range tests {
		got, ok := storagePath(tt.owner, tt.area, tt.rel)
		assert.Equal(t, tt.ok, ok, tt.rel)
		assert.Equal(t, tt.want, got, tt.rel)
	}
}

var _ KeyService = (*keystore.Manager)(nil)
