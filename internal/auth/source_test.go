package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type memoryStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	saveErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{blobs: make(map[string][]byte)}
}

func (m *memoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return data, nil
}

func (m *memoryStore) Save(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.blobs[key] = data
	return nil
}

type countingLogin struct {
	calls  int
	expiry time.Time
	err    error
}

func (c *countingLogin) Token() (*oauth2.Token, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &oauth2.Token{AccessToken: "key-" + string(rune('0'+c.calls)), TokenType: "MitsContextKey", Expiry: c.expiry}, nil
}

func TestSourcePersistsAndReusesKey(t *testing.T) {
	store := newMemoryStore()
	login := &countingLogin{expiry: time.Now().Add(24 * time.Hour)}
	ctx := context.Background()

	src, err := NewSource(ctx, "user@example.com", login, store, nil)
	require.NoError(t, err)

	token, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "key-1", token.AccessToken)

	token, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, "key-1", token.AccessToken)
	assert.Equal(t, 1, login.calls)

	// A restart picks the persisted key up without logging in.
	restarted := &countingLogin{expiry: time.Now().Add(24 * time.Hour)}
	src, err = NewSource(ctx, "User@Example.com", restarted, store, nil)
	require.NoError(t, err)
	token, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, "key-1", token.AccessToken)
	assert.Equal(t, 0, restarted.calls)
}

func TestSourceIgnoresExpiredKey(t *testing.T) {
	store := newMemoryStore()
	state := State{
		SchemaVersion: SchemaVersion,
		Account:       "user@example.com",
		ContextKey:    "old",
		Expiry:        time.Now().Add(-time.Hour),
	}
	data, err := encodeState(state)
	require.NoError(t, err)
	store.blobs[StoreKey("user@example.com")] = data

	login := &countingLogin{expiry: time.Now().Add(time.Hour)}
	src, err := NewSource(context.Background(), "user@example.com", login, store, nil)
	require.NoError(t, err)

	token, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "key-1", token.AccessToken)
	assert.Equal(t, 1, login.calls)
}

func TestSourcePersistFailureStillReturnsKey(t *testing.T) {
	store := newMemoryStore()
	store.saveErr = errors.New("bucket unavailable")
	login := &countingLogin{}

	src, err := NewSource(context.Background(), "user@example.com", login, store, nil)
	require.NoError(t, err)
	token, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "key-1", token.AccessToken)
}

func TestSourceLoginFailure(t *testing.T) {
	loginErr := errors.New("bad credentials")
	src, err := NewSource(context.Background(), "user@example.com", &countingLogin{err: loginErr}, newMemoryStore(), nil)
	require.NoError(t, err)

	_, err = src.Token()
	assert.ErrorIs(t, err, loginErr)
}

func TestNewSourceValidation(t *testing.T) {
	_, err := NewSource(context.Background(), "", &countingLogin{}, newMemoryStore(), nil)
	assert.Error(t, err)
	_, err = NewSource(context.Background(), "a@b", nil, newMemoryStore(), nil)
	assert.Error(t, err)
	_, err = NewSource(context.Background(), "a@b", &countingLogin{}, nil, nil)
	assert.Error(t, err)
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Load(ctx, "melcloud-abc")
	assert.ErrorIs(t, err, ErrBlobNotFound)

	require.NoError(t, store.Save(ctx, "melcloud-abc", []byte(`{"a":1}`)))
	data, err := store.Load(ctx, "melcloud-abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	info, err := os.Stat(filepath.Join(dir, "melcloud-abc.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNewS3StoreRequiresConfig(t *testing.T) {
	_, err := NewS3Store(S3Config{Endpoint: "http://localhost:9000"})
	assert.Error(t, err)

	dir := t.TempDir()
	access := filepath.Join(dir, "access")
	secret := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(access, []byte("AKIA\n"), 0o600))
	require.NoError(t, os.WriteFile(secret, []byte("s3cr3t\n"), 0o600))

	store, err := NewS3Store(S3Config{
		Endpoint:      "http://localhost:9000",
		Bucket:        "melsync",
		AccessKeyFile: access,
		SecretKeyFile: secret,
	})
	require.NoError(t, err)
	assert.Equal(t, "melsync/tokens/melcloud-abc.json", store.objectName("melcloud-abc"))
}

func TestParseEndpoint(t *testing.T) {
	host, secure, err := parseEndpoint("http://minio.local:9000")
	require.NoError(t, err)
	assert.Equal(t, "minio.local:9000", host)
	assert.False(t, secure)

	host, secure, err = parseEndpoint("s3.amazonaws.com")
	require.NoError(t, err)
	assert.Equal(t, "s3.amazonaws.com", host)
	assert.True(t, secure)

	_, _, err = parseEndpoint("https://")
	assert.Error(t, err)
}

func TestDecodeStateValidation(t *testing.T) {
	_, err := DecodeState([]byte(`{"schema_version":2,"account":"a","context_key":"k"}`))
	assert.Error(t, err)
	_, err = DecodeState([]byte(`{"schema_version":1,"account":"a"}`))
	assert.Error(t, err)
	state, err := DecodeState([]byte(`{"schema_version":1,"account":"a","context_key":"k"}`))
	require.NoError(t, err)
	assert.Equal(t, "k", state.Token().AccessToken)
}
