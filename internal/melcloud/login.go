package melcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenType marks tokens carrying a MELCloud context key.
const TokenType = "MitsContextKey"

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Login exchanges email and password for a session context key. The key is
// returned as an oauth2.Token so it can be cached with oauth2.ReuseTokenSource.
func Login(ctx context.Context, hc *http.Client, baseURL, email, password string) (*oauth2.Token, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	body, err := json.Marshal(map[string]any{
		"Email":           email,
		"Password":        password,
		"Language":        0,
		"AppVersion":      appVersion,
		"Persist":         true,
		"CaptchaResponse": nil,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/Login/ClientLogin", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	setHeaders(req, "")
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("melcloud login: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("melcloud login: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{Op: "login", Status: resp.StatusCode, Body: string(data)}
	}

	var out loginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("melcloud login: decode: %w", err)
	}
	if out.LoginData == nil {
		if out.ErrorID != nil {
			return nil, LoginError{ErrorID: *out.ErrorID}
		}
		return nil, fmt.Errorf("melcloud login: no login data in response")
	}
	if out.LoginData.ContextKey == "" {
		return nil, ErrNoContextKey
	}

	return &oauth2.Token{
		AccessToken: out.LoginData.ContextKey,
		TokenType:   TokenType,
		Expiry:      parseExpiry(out.LoginData.Expiry),
	}, nil
}

// LoginSource performs a ClientLogin on every Token call.
type LoginSource struct {
	ctx        context.Context
	httpClient *http.Client
	baseURL    string
	email      string
	password   string
}

func NewLoginSource(ctx context.Context, hc *http.Client, baseURL, email, password string) *LoginSource {
	return &LoginSource{
		ctx:        ctx,
		httpClient: hc,
		baseURL:    baseURL,
		email:      email,
		password:   password,
	}
}

func (s *LoginSource) Token() (*oauth2.Token, error) {
	return Login(s.ctx, s.httpClient, s.baseURL, s.email, s.password)
}

func parseExpiry(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
