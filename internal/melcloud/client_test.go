package melcloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "ctx-key", TokenType: TokenType})
	client, err := NewClient(tokens, WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)
	return client
}

func TestClientFlow(t *testing.T) {
	var pushed map[string]any
	var reportBody map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ctx-key", r.Header.Get("X-MitsContextKey"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/User/GetUserDetails":
			_, _ = io.WriteString(w, `{"UseFahrenheit":true}`)
		case "/User/ListDevices":
			_, _ = io.WriteString(w, `[{"ID":1,"Structure":{"Devices":[{"DeviceID":10,"BuildingID":1,"AccessLevel":4,"Device":{"DeviceType":0,"TemperatureIncrement":1}}],"Areas":[],"Floors":[]}}]`)
		case "/Device/Get":
			assert.Equal(t, "10", r.URL.Query().Get("id"))
			assert.Equal(t, "1", r.URL.Query().Get("buildingID"))
			_, _ = io.WriteString(w, `{"DeviceID":10,"DeviceType":0,"Power":false,"SetTemperature":21.0,"EffectiveFlags":0}`)
		case "/EnergyCost/Report":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&reportBody))
			_, _ = io.WriteString(w, `{"Heating":[0.0,1.5]}`)
		case "/Device/ListDeviceUnits":
			_, _ = io.WriteString(w, `[{"ModelNumber":123,"Model":"MSZ","SerialNumber":"abc"},42]`)
		case "/Device/SetAta":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&pushed))
			_, _ = io.WriteString(w, `{}`)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()

	account, err := client.FetchAccount(ctx)
	require.NoError(t, err)
	assert.True(t, account.UseFahrenheit())

	entries, err := client.FetchListing(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Structure.Devices, 1)
	conf := entries[0].Structure.Devices[0]
	assert.Equal(t, 10, conf.DeviceID)
	assert.Equal(t, 1.0, conf.TemperatureIncrement())

	state, err := client.FetchDeviceState(ctx, 10, 1)
	require.NoError(t, err)
	temp, ok := state.Float("SetTemperature")
	require.True(t, ok)
	assert.Equal(t, 21.0, temp)

	from := time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC)
	report, err := client.FetchEnergyReport(ctx, 10, from, from.AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.Contains(t, report, "Heating")
	assert.Equal(t, "2024-03-01T00:00:00", reportBody["FromDate"])
	assert.Equal(t, "2024-03-05T00:00:00", reportBody["ToDate"])
	assert.Equal(t, false, reportBody["UseCurrency"])

	units, err := client.FetchDeviceUnits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "MSZ", units[0].Model)

	state["Power"] = true
	require.NoError(t, client.PushState(ctx, state))
	assert.Equal(t, true, pushed["Power"])
}

func TestFetchDeviceUnitsAccessDenied(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.FetchDeviceUnits(context.Background(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccessDenied)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.Status)
}

func TestPushStateRejectsUnknownDeviceType(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	})

	err := client.PushState(context.Background(), State{"DeviceType": 7.0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported device type")

	err = client.PushState(context.Background(), State{})
	require.Error(t, err)
}

func TestServerErrorIsNotAccessDenied(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom")
	})

	_, err := client.FetchListing(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAccessDenied)
	assert.Contains(t, err.Error(), "boom")
}

func TestUnauthorizedIsNotAccessDenied(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.FetchDeviceUnits(context.Background(), 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAccessDenied)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)
}

func TestDecodeUnitsWrapped(t *testing.T) {
	units := decodeUnits(json.RawMessage(`{"Units":[{"Model":"PUZ","SerialNumber":"s1"}]}`))
	require.Len(t, units, 1)
	assert.Equal(t, "PUZ", units[0].Model)

	assert.Empty(t, decodeUnits(json.RawMessage(`"nope"`)))
	assert.Empty(t, decodeUnits(nil))
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Login/ClientLogin", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["Password"] != "secret" {
			_, _ = io.WriteString(w, `{"ErrorId":1,"LoginData":null}`)
			return
		}
		_, _ = io.WriteString(w, `{"ErrorId":null,"LoginData":{"ContextKey":"abc","Expiry":"2030-01-02T03:04:05"}}`)
	}))
	defer server.Close()

	ctx := context.Background()
	token, err := Login(ctx, server.Client(), server.URL, "user@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "abc", token.AccessToken)
	assert.Equal(t, TokenType, token.TokenType)
	assert.Equal(t, time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC), token.Expiry)

	_, err = Login(ctx, server.Client(), server.URL, "user@example.com", "wrong")
	var loginErr LoginError
	require.ErrorAs(t, err, &loginErr)
	assert.Equal(t, 1, loginErr.ErrorID)
}
