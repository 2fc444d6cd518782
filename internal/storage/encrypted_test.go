package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sharecrypt/internal/audit"
	"github.com/kenneth/sharecrypt/internal/config"
	"github.com/kenneth/sharecrypt/internal/crypto"
	"github.com/kenneth/sharecrypt/internal/keystore"
)

type fixture struct {
	storage  *EncryptedStorage
	keys     *keystore.Manager
	backend  *FilesystemBackend
	policy   *config.PolicyManager
	root     string
	audit    audit.Logger
	recorder *countingRecorder
}

type countingRecorder struct {
	mu      sync.Mutex
	ops     map[string]int
	errors  int
	streams int
}

func (r *countingRecorder) RecordStorageOperation(op, _ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op]++
	if err != nil {
		r.errors++
	}
}

func (r *countingRecorder) StreamOpened() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams++
}

func (r *countingRecorder) StreamClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams--
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	engine, err := crypto.NewBlockEngine(crypto.BlockConfig{})
	require.NoError(t, err)
	codec := crypto.NewPrivateKeyCodec(engine, "instance", "secret")
	keys := keystore.NewManager(keystore.NewMemoryStore(), codec, nil, keystore.Config{RSABits: 2048}, logger)
	for _, u := range users {
		require.NoError(t, keys.SetupUser(ctx, u, u+"-pw"))
	}

	policy := config.NewPolicyManager([]string{"*.tmp"})
	module, err := crypto.NewModule(keys, crypto.Options{
		SupportLegacy: true,
		ShouldEncrypt: policy.ShouldEncrypt,
	}, logger, nil)
	require.NoError(t, err)

	root := t.TempDir()
	backend, err := NewFilesystemBackend(root)
	require.NoError(t, err)

	a := audit.NewLogger(100, nil)
	rec := &countingRecorder{ops: map[string]int{}}
	return &fixture{
		storage:  NewEncryptedStorage(backend, module, keys, logger, WithAudit(a), WithRecorder(rec)),
		keys:     keys,
		backend:  backend,
		policy:   policy,
		root:     root,
		audit:    a,
		recorder: rec,
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func (f *fixture) read(t *testing.T, path, user string) ([]byte, error) {
	t.Helper()
	var buf bytes.Buffer
	_, err := f.storage.ReadFile(context.Background(), path, user, &buf)
	return buf.Bytes(), err
}

func (f *fixture) raw(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(path)))
	require.NoError(t, err)
	return data
}

func TestEncryptedStorage_RoundTrip(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	path := "/alice/files/report.bin"
	plain := randomBytes(t, 20000)

	res, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader(plain), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)
	assert.True(t, res.Encrypted)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, int64(20000), res.Bytes)
	assert.Equal(t, []string{"alice"}, res.Recipients)

	raw := f.raw(t, path)
	assert.True(t, bytes.HasPrefix(raw, []byte(crypto.HeaderStart)))
	assert.Len(t, raw, crypto.HeaderSize+2*crypto.WireBlockSize+3808+96)
	header, ok := crypto.ParseFileHeader(raw[:crypto.HeaderSize])
	require.True(t, ok)
	assert.Equal(t, "AES-256-CTR", header[crypto.HeaderCipher])
	assert.Equal(t, crypto.EncodingBinary, header[crypto.HeaderEncoding])

	exists, err := f.backend.Exists(ctx, PartPath(path))
	require.NoError(t, err)
	assert.False(t, exists, "part file is renamed away")

	got, err := f.read(t, path, "alice")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	res, err = f.storage.WriteFile(ctx, path, "alice", bytes.NewReader([]byte("v2")), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	got, err = f.read(t, path, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	assert.Equal(t, 0, f.recorder.streams, "every stream is closed")
	assert.Equal(t, 2, f.recorder.ops["put"])
	assert.Equal(t, 2, f.recorder.ops["get"])
}

func TestEncryptedStorage_EmptyFile(t *testing.T) {
	f := newFixture(t, "alice")
	path := "/alice/files/empty.txt"

	_, err := f.storage.WriteFile(context.Background(), path, "alice", bytes.NewReader(nil), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)
	assert.Len(t, f.raw(t, path), crypto.HeaderSize)

	got, err := f.read(t, path, "alice")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEncryptedStorage_SharedAccess(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	path := "/alice/files/shared.txt"
	plain := []byte("meeting notes")

	_, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader(plain), crypto.AccessList{Users: []string{"alice", "bob"}})
	require.NoError(t, err)

	got, err := f.read(t, path, "bob")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	_, err = f.read(t, path, "carol")
	require.Error(t, err)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	assert.Equal(t, crypto.HintReshare, crypto.UserHint(err))
}

func TestEncryptedStorage_Share(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	path := "/alice/files/plan.txt"
	plain := []byte("the plan")

	_, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader(plain), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)
	rawBefore := f.raw(t, path)

	_, err = f.read(t, path, "bob")
	require.Error(t, err)

	ok, err := f.storage.Share(ctx, path, "alice", crypto.AccessList{Users: []string{"alice", "bob"}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rawBefore, f.raw(t, path), "sharing does not touch content")

	got, err := f.read(t, path, "bob")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	ok, err = f.storage.Share(ctx, path, "alice", crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = f.read(t, path, "bob")
	assert.Error(t, err, "revoked recipient loses access")

	ok, err = f.storage.Share(ctx, "/alice/files/none.txt", "alice", crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)
	assert.False(t, ok)

	var shareEvents int
	for _, ev := range f.audit.Events() {
		if ev.EventType == audit.EventTypeShareUpdate {
			shareEvents++
		}
	}
	assert.Equal(t, 2, shareEvents)
}

func TestEncryptedStorage_UnencryptedPaths(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	for _, path := range []string{"/alice/cache/thumb.png", "/alice/files/scratch.tmp"} {
		res, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader([]byte("plain")), crypto.AccessList{Users: []string{"alice"}})
		require.NoError(t, err)
		assert.False(t, res.Encrypted)
		assert.Equal(t, []byte("plain"), f.raw(t, path))

		got, err := f.read(t, path, "alice")
		require.NoError(t, err)
		assert.Equal(t, []byte("plain"), got)
	}
}

func TestEncryptedStorage_PartFileVersion(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	path := "/alice/files/upload.bin"
	plain := randomBytes(t, 9000)

	_, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader(plain), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)

	// Simulate an upload that has not completed: content signed with
	// version 1 sits in the part file while version 0 is still stored.
	require.NoError(t, f.backend.Rename(ctx, path, PartPath(path)))
	require.NoError(t, f.keys.SetVersion(ctx, path, 0))

	got, err := f.read(t, PartPath(path), "alice")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	require.NoError(t, f.backend.Rename(ctx, PartPath(path), path))
	_, err = f.read(t, path, "alice")
	assert.ErrorIs(t, err, crypto.ErrBadSignature, "final name verifies with the stored version")
}

func TestEncryptedStorage_TamperDetection(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	path := "/alice/files/ledger.txt"

	_, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader(randomBytes(t, 100)), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)

	raw := f.raw(t, path)
	raw[crypto.HeaderSize+10] ^= 0x01
	require.NoError(t, f.backend.Put(ctx, path, bytes.NewReader(raw)))

	_, err = f.read(t, path, "alice")
	assert.ErrorIs(t, err, crypto.ErrBadSignature)

	events := f.audit.Events()
	last := events[len(events)-1]
	assert.Equal(t, audit.EventTypeDecrypt, last.EventType)
	assert.False(t, last.Success)
}

func TestEncryptedStorage_HeaderlessLegacyFile(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	path := "/alice/files/legacy.txt"
	plain := []byte("written before headers existed")

	fileKey, err := crypto.GenerateFileKey()
	require.NoError(t, err)
	legacyEngine, err := crypto.NewBlockEngine(crypto.BlockConfig{
		Cipher:         crypto.LegacyCipher,
		LegacyEncoding: true,
		Unsigned:       true,
	})
	require.NoError(t, err)
	block, err := legacyEngine.EncryptBlock(plain, fileKey, 0, 0)
	require.NoError(t, err)
	require.NoError(t, f.backend.Put(ctx, path, bytes.NewReader(block)))

	pub, err := f.keys.PublicKey(ctx, "alice")
	require.NoError(t, err)
	shareKeys, err := crypto.Wrap(fileKey, []crypto.Recipient{{ID: "alice", PublicKey: pub}})
	require.NoError(t, err)
	require.NoError(t, f.keys.SetShareKey(ctx, path, "alice", shareKeys[0].Sealed))

	got, err := f.read(t, path, "alice")
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestEncryptedStorage_Delete(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	path := "/alice/files/gone.txt"

	_, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader([]byte("bye")), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)

	require.NoError(t, f.storage.Delete(ctx, path))
	exists, err := f.storage.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, exists)
	encrypted, err := f.keys.Encrypted(ctx, path)
	require.NoError(t, err)
	assert.False(t, encrypted)

	assert.ErrorIs(t, f.storage.Delete(ctx, path), ErrNotExist)
	_, err = f.read(t, path, "alice")
	assert.ErrorIs(t, err, ErrNotExist)
}

type failingReader struct {
	data []byte
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, errors.New("connection reset")
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestEncryptedStorage_FailedWriteLeavesNothing(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	path := "/alice/files/broken.bin"

	_, err := f.storage.WriteFile(ctx, path, "alice", &failingReader{data: randomBytes(t, 10000)}, crypto.AccessList{Users: []string{"alice"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	for _, p := range []string{path, PartPath(path)} {
		exists, err := f.backend.Exists(ctx, p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}
	version, err := f.keys.Version(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.Equal(t, 0, f.recorder.streams)
}

func TestEncryptedStorage_MissingOwnerKeyIsFatal(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	_, err := f.storage.WriteFile(ctx, "/dave/files/x.txt", "alice", io.LimitReader(rand.Reader, 10), crypto.AccessList{Users: []string{"alice"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, crypto.ErrPublicKeyMissing)
}

func TestEncryptedStorage_PartLikeNames(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	path := "/alice/files/notes.part"

	res, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader([]byte("hello")), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)
	assert.True(t, res.Encrypted)

	got, err := f.read(t, path, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestEncryptedStorage_PlainContentLookingLikeHeader(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	long := append([]byte("HBEGIN:a:b:HEND"), bytes.Repeat([]byte("-"), 2*crypto.HeaderSize)...)
	for _, content := range [][]byte{[]byte("HBEGIN:a:b:HEND rest"), long} {
		path := "/alice/files/x.tmp"
		res, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader(content), crypto.AccessList{Users: []string{"alice"}})
		require.NoError(t, err)
		assert.False(t, res.Encrypted)

		got, err := f.read(t, path, "alice")
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}
}

func TestEncryptedStorage_PlainRewriteDropsKeys(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	path := "/alice/files/a.log"

	res, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader([]byte("encrypted")), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)
	require.True(t, res.Encrypted)

	f.policy.SetExcludePatterns([]string{"*.log"})
	res, err = f.storage.WriteFile(ctx, path, "alice", bytes.NewReader([]byte("plain now")), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)
	assert.False(t, res.Encrypted)

	encrypted, err := f.keys.Encrypted(ctx, path)
	require.NoError(t, err)
	assert.False(t, encrypted)
	version, err := f.keys.Version(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	got, err := f.read(t, path, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain now"), got)
}

type renameFailingBackend struct {
	*FilesystemBackend
}

func (b *renameFailingBackend) Rename(context.Context, string, string) error {
	return errors.New("rename refused")
}

func TestEncryptedStorage_FailedRenameKeepsShareKeys(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	path := "/alice/files/contract.txt"
	plain := []byte("signed version")

	_, err := f.storage.WriteFile(ctx, path, "alice", bytes.NewReader(plain), crypto.AccessList{Users: []string{"alice"}})
	require.NoError(t, err)

	// bob holds no share key, so his write generates a new file key.
	broken := NewEncryptedStorage(&renameFailingBackend{f.backend}, f.storage.module, f.keys, f.storage.logger)
	_, err = broken.WriteFile(ctx, path, "bob", bytes.NewReader([]byte("overwritten")), crypto.AccessList{Users: []string{"alice", "bob"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rename refused")

	recipients, err := f.keys.ShareKeyRecipients(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, recipients)
	version, err := f.keys.Version(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	exists, err := f.backend.Exists(ctx, PartPath(path))
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := f.read(t, path, "alice")
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}
