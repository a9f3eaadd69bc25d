package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

const SchemaVersion = 1

// State is the persisted login session.
type State struct {
	SchemaVersion int       `json:"schema_version"`
	Account       string    `json:"account"`
	ContextKey    string    `json:"context_key"`
	TokenType     string    `json:"token_type,omitempty"`
	Expiry        time.Time `json:"expiry,omitempty"`
}

func stateFromToken(account string, token *oauth2.Token) State {
	return State{
		SchemaVersion: SchemaVersion,
		Account:       account,
		ContextKey:    token.AccessToken,
		TokenType:     token.TokenType,
		Expiry:        token.Expiry,
	}
}

func (s State) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: s.ContextKey,
		TokenType:   s.TokenType,
		Expiry:      s.Expiry,
	}
}

func DecodeState(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	if err := state.Validate(); err != nil {
		return State{}, err
	}
	return state, nil
}

func (s State) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version: %d", s.SchemaVersion)
	}
	if s.Account == "" {
		return fmt.Errorf("state missing account")
	}
	if s.ContextKey == "" {
		return fmt.Errorf("state missing context_key")
	}
	return nil
}

func encodeState(state State) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}
