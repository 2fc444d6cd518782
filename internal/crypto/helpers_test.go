package crypto

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	testKeysMu sync.Mutex
	testKeys   = map[string]*rsa.PrivateKey{}
)

// testKeyPair returns a cached 2048-bit key pair for name.
func testKeyPair(t *testing.T, name string) (*rsa.PrivateKey, []byte) {
	t.Helper()
	testKeysMu.Lock()
	defer testKeysMu.Unlock()

	priv, ok := testKeys[name]
	if !ok {
		privPEM, _, err := GenerateKeyPair(2048)
		require.NoError(t, err)
		priv, err = ParsePrivateKey(privPEM)
		require.NoError(t, err)
		testKeys[name] = priv
	}
	pub, err := EncodePublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return priv, pub
}

// fakeKeys is an in-memory KeyManager.
type fakeKeys struct {
	mu      sync.Mutex
	private map[string]*rsa.PrivateKey
	public  map[string][]byte
	shares  map[string]map[string][]byte
	legacy  map[string]bool
	system  []Recipient
	master  string
}

func newFakeKeys(t *testing.T, users ...string) *fakeKeys {
	f := &fakeKeys{
		private: map[string]*rsa.PrivateKey{},
		public:  map[string][]byte{},
		shares:  map[string]map[string][]byte{},
		legacy:  map[string]bool{},
		master:  "master_key",
	}
	for _, u := range users {
		f.addUser(t, u)
	}
	return f
}

func (f *fakeKeys) addUser(t *testing.T, id string) {
	priv, pub := testKeyPair(t, id)
	f.private[id] = priv
	f.public[id] = pub
}

func (f *fakeKeys) FileKey(_ context.Context, path, user string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sealed, ok := f.shares[path][user]
	if !ok {
		return nil, nil
	}
	return Unwrap(sealed, f.private[user])
}

func (f *fakeKeys) SetShareKey(_ context.Context, path, recipient string, sealed []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shares[path] == nil {
		f.shares[path] = map[string][]byte{}
	}
	f.shares[path][recipient] = sealed
	return nil
}

func (f *fakeKeys) PublicKey(_ context.Context, recipient string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pub, ok := f.public[recipient]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPublicKeyMissing, recipient)
	}
	return pub, nil
}

func (f *fakeKeys) AddSystemKeys(_ context.Context, _ AccessList, keys []Recipient, _ string) ([]Recipient, error) {
	return append(keys, f.system...), nil
}

func (f *fakeKeys) DeleteAllShareKeys(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shares, path)
	return nil
}

func (f *fakeKeys) DeleteLegacyFileKey(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existed := f.legacy[path]
	delete(f.legacy, path)
	return existed, nil
}

func (f *fakeKeys) MasterKeyID() string {
	return f.master
}

func (f *fakeKeys) recipientsOf(path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for r := range f.shares[path] {
		out = append(out, r)
	}
	return out
}

// countingRecorder records calls for assertions.
type countingRecorder struct {
	mu        sync.Mutex
	blocks    map[string]int
	errors    map[string]int
	shareKeys int
	wraps     int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{blocks: map[string]int{}, errors: map[string]int{}}
}

func (r *countingRecorder) RecordBlock(op string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[op]++
}

func (r *countingRecorder) RecordCryptoError(op, errType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[op+"/"+errType]++
}

func (r *countingRecorder) RecordShareKeys(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shareKeys += count
}

func (r *countingRecorder) RecordKeyWrap(int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wraps++
}
