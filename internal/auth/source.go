package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/oauth2"
)

// Source hands out the MELCloud context key. A key persisted by an earlier
// run is reused until it expires; otherwise the login source is asked for a
// fresh one, which is then persisted.
type Source struct {
	account string
	key     string
	login   oauth2.TokenSource
	store   BlobStore
	logger  *slog.Logger
}

// NewSource wraps login with persistence in store and returns a token source
// that only logs in when no valid key is cached.
func NewSource(ctx context.Context, account string, login oauth2.TokenSource, store BlobStore, logger *slog.Logger) (oauth2.TokenSource, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, fmt.Errorf("account is required")
	}
	if login == nil {
		return nil, fmt.Errorf("login source is required")
	}
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Source{
		account: account,
		key:     StoreKey(account),
		login:   login,
		store:   store,
		logger:  logger,
	}

	initial, err := s.loadStored(ctx)
	if err != nil {
		return nil, err
	}
	if initial != nil {
		tokenValid.Set(1)
	}
	return oauth2.ReuseTokenSource(initial, s), nil
}

// StoreKey derives the blob key for an account without exposing the address.
func StoreKey(account string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(account))))
	return "melcloud-" + hex.EncodeToString(sum[:8])
}

// Token logs in and persists the new key. Persistence failures are logged,
// the key is still returned.
func (s *Source) Token() (*oauth2.Token, error) {
	token, err := s.login.Token()
	if err != nil {
		loginFailure.Inc()
		tokenValid.Set(0)
		return nil, err
	}
	loginSuccess.Inc()
	tokenValid.Set(1)

	data, err := encodeState(stateFromToken(s.account, token))
	if err == nil {
		err = s.store.Save(context.Background(), s.key, data)
	}
	if err != nil {
		remotePersistOK.Set(0)
		s.logger.Warn("persist session token failed", "error", err)
	} else {
		remotePersistOK.Set(1)
	}
	return token, nil
}

func (s *Source) loadStored(ctx context.Context) (*oauth2.Token, error) {
	data, err := s.store.Load(ctx, s.key)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session token: %w", err)
	}
	state, err := DecodeState(data)
	if err != nil {
		s.logger.Warn("ignoring stored session token", "error", err)
		return nil, nil
	}
	if !strings.EqualFold(state.Account, s.account) {
		return nil, nil
	}
	token := state.Token()
	if !token.Valid() {
		return nil, nil
	}
	return token, nil
}
