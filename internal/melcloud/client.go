package melcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://app.melcloud.com/Mitsubishi.Wifi.Client"

	appVersion = "1.19.1.1"
	userAgent  = "Mozilla/5.0 (X11; Linux x86_64; rv:73.0) Gecko/20100101 Firefox/73.0"
	reportDate = "2006-01-02"
)

// Client talks to the MELCloud REST API. It is stateless apart from the
// token source; caching and debouncing live in the session and device
// packages.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     oauth2.TokenSource
}

type Option func(*Client)

// WithHTTPClient replaces the default client (15s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

func NewClient(tokens oauth2.TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchAccount returns the user details record.
func (c *Client) FetchAccount(ctx context.Context) (Account, error) {
	var account Account
	if err := c.do(ctx, "user details", http.MethodGet, "/User/GetUserDetails", nil, &account); err != nil {
		return nil, err
	}
	return account, nil
}

// FetchListing returns the nested building/area/floor device tree.
func (c *Client) FetchListing(ctx context.Context) ([]ListingEntry, error) {
	var entries []ListingEntry
	if err := c.do(ctx, "list devices", http.MethodGet, "/User/ListDevices", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// FetchDeviceState returns the full state of a device.
//
// The endpoint is slow and rate limited upstream; callers should not poll it
// more than about once a minute per device.
func (c *Client) FetchDeviceState(ctx context.Context, deviceID, buildingID int) (State, error) {
	query := url.Values{}
	query.Set("id", strconv.Itoa(deviceID))
	query.Set("buildingID", strconv.Itoa(buildingID))

	var state State
	if err := c.do(ctx, "get device", http.MethodGet, "/Device/Get?"+query.Encode(), nil, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// FetchEnergyReport returns the daily energy buckets between from and to.
func (c *Client) FetchEnergyReport(ctx context.Context, deviceID int, from, to time.Time) (EnergyReport, error) {
	payload := map[string]any{
		"DeviceId":    deviceID,
		"UseCurrency": false,
		"FromDate":    from.UTC().Format(reportDate) + "T00:00:00",
		"ToDate":      to.UTC().Format(reportDate) + "T00:00:00",
	}

	var report EnergyReport
	if err := c.do(ctx, "energy report", http.MethodPost, "/EnergyCost/Report", payload, &report); err != nil {
		return nil, err
	}
	return report, nil
}

// FetchDeviceUnits returns the indoor/outdoor unit metadata. Guest accounts
// get an error matching ErrAccessDenied.
func (c *Client) FetchDeviceUnits(ctx context.Context, deviceID int) ([]Unit, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list device units", http.MethodPost, "/Device/ListDeviceUnits", map[string]any{"deviceId": deviceID}, &raw); err != nil {
		return nil, err
	}
	return decodeUnits(raw), nil
}

// PushState sends a full state payload. The payload must carry DeviceType and
// the EffectiveFlags describing which fields to apply.
func (c *Client) PushState(ctx context.Context, state State) error {
	deviceType, ok := state.Int("DeviceType")
	if !ok {
		return fmt.Errorf("melcloud set device: state has no DeviceType")
	}
	setter, err := setterFor(deviceType)
	if err != nil {
		return err
	}
	return c.do(ctx, "set device", http.MethodPost, "/Device/"+setter, state, nil)
}

func setterFor(deviceType int) (string, error) {
	switch deviceType {
	case DeviceTypeATA:
		return "SetAta", nil
	case DeviceTypeATW:
		return "SetAtw", nil
	case DeviceTypeERV:
		return "SetErv", nil
	default:
		return "", fmt.Errorf("unsupported device type [%d]", deviceType)
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, payload, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("melcloud %s: token: %w", op, err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("melcloud %s: encode: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("melcloud %s: %w", op, err)
	}
	setHeaders(req, token.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("melcloud %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("melcloud %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{Op: op, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("melcloud %s: decode: %w", op, err)
	}
	return nil
}

func setHeaders(req *http.Request, contextKey string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Cookie", "policyaccepted=true")
	if contextKey != "" {
		req.Header.Set("X-MitsContextKey", contextKey)
	}
}

// decodeUnits accepts either a bare list of units or an object wrapping the
// list under "Units". Entries that are not objects are skipped.
func decodeUnits(raw json.RawMessage) []Unit {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil
		}
	case '{':
		var wrapped struct {
			Units []json.RawMessage `json:"Units"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil
		}
		items = wrapped.Units
	default:
		return nil
	}

	units := make([]Unit, 0, len(items))
	for _, item := range items {
		var unit Unit
		if err := json.Unmarshal(item, &unit); err != nil {
			continue
		}
		units = append(units, unit)
	}
	return units
}
