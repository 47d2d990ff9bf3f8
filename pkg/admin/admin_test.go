package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cecil-the-coder/kiro-gateway/pkg/pool"
	"github.com/cecil-the-coder/kiro-gateway/pkg/store"
	"github.com/cecil-the-coder/kiro-gateway/pkg/types"
)

const testKey = "admin-secret"

type stubRefresher struct {
	usage    types.UsageLimits
	usageErr error
}

func (s *stubRefresher) Refresh(ctx context.Context, cred types.Credential) (types.Credential, error) {
	out := cred.Clone()
	out.AccessToken = "refreshed"
	out.ExpiresAt = time.Now().Add(time.Hour)
	return out, nil
}

func (s *stubRefresher) UsageLimits(ctx context.Context, cred types.Credential, accessToken string) (types.UsageLimits, error) {
	if s.usageErr != nil {
		return types.UsageLimits{}, s.usageErr
	}
	return s.usage, nil
}

type fixture struct {
	store  *store.Store
	pool   *pool.Manager
	server *httptest.Server
}

func newFixture(t *testing.T, r pool.Refresher) *fixture {
	t.Helper()
	if r == nil {
		r = &stubRefresher{}
	}

	s, err := store.Open(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m, err := pool.New(s, r, pool.Config{})
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(NewService(m, r)).Register(mux, testKey)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &fixture{store: s, pool: m, server: server}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestAuthRejectsMissingAndWrongKey(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/api/admin/credentials")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/admin/credentials", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestBlankKeyDisablesSurface(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(NewService(nil, nil)).Register(mux, "  ")

	req := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddAndList(t *testing.T) {
	f := newFixture(t, &stubRefresher{usage: types.UsageLimits{SubscriptionTitle: "Pro", CurrentUsage: 5, UsageLimit: 100}})

	resp := f.do(t, http.MethodPost, "/api/admin/credentials", AddRequest{
		RefreshToken: "a-long-enough-refresh-token",
		AccessToken:  "usable",
		Priority:     1,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Greater(t, created["id"], int64(0))

	// Give the added credential a live token so the list probes it.
	cred, err := f.store.Get(created["id"])
	require.NoError(t, err)
	cred.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, f.store.Update(cred))

	listResp := f.do(t, http.MethodGet, "/api/admin/credentials", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var list ListResponse
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 1, list.Enabled)
	assert.Equal(t, created["id"], list.CurrentID)
	require.Len(t, list.Credentials, 1)
	assert.True(t, list.Credentials[0].IsCurrent)
	assert.Equal(t, "Pro", list.Credentials[0].SubscriptionTitle)
	assert.Equal(t, 100.0, list.Credentials[0].UsageLimit)
	// The raw token never leaves the server.
	assert.NotContains(t, list.Credentials[0].RefreshTokenHint, "enough")
}

func TestAddValidationErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		req  AddRequest
	}{
		{"missing refresh token", AddRequest{}},
		{"bad machine id", AddRequest{RefreshToken: "r", MachineID: "nope"}},
		{"idc without client secret", AddRequest{RefreshToken: "r", AuthMethod: "idc", ClientID: "c"}},
		{"unknown auth method", AddRequest{RefreshToken: "r", AuthMethod: "magic"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/admin/credentials", tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, KindInvalidRequest, decodeError(t, resp).Kind)
		})
	}
}

func TestAddDuplicateClientID(t *testing.T) {
	f := newFixture(t, nil)

	first := f.do(t, http.MethodPost, "/api/admin/credentials", AddRequest{
		RefreshToken: "r1", AuthMethod: "idc", ClientID: "dup", ClientSecret: "s",
	})
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second := f.do(t, http.MethodPost, "/api/admin/credentials", AddRequest{
		RefreshToken: "r2", AuthMethod: "idc", ClientID: "dup", ClientSecret: "s",
	})
	assert.Equal(t, http.StatusBadRequest, second.StatusCode)
	body := decodeError(t, second)
	assert.Equal(t, KindInvalidRequest, body.Kind)
	assert.Contains(t, body.Error, "already exists")
}

func TestDeleteUnknownID(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodDelete, "/api/admin/credentials/42", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, KindNotFound, decodeError(t, resp).Kind)
}

func TestSetDisabledRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.store.Insert(&types.Credential{RefreshToken: "r"})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/admin/credentials/1/disabled", map[string]bool{"disabled": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cred, err := f.store.Get(id)
	require.NoError(t, err)
	assert.True(t, cred.Disabled)
	assert.False(t, cred.DisabledAt.IsZero())

	resp = f.do(t, http.MethodPost, "/api/admin/credentials/1/disabled", map[string]bool{"disabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cred, err = f.store.Get(id)
	require.NoError(t, err)
	assert.False(t, cred.Disabled)
}

func TestSetDisabledRequiresFlag(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/admin/credentials/1/disabled", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetPriority(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.store.Insert(&types.Credential{RefreshToken: "r", Priority: 5})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/admin/credentials/1/priority", map[string]int{"priority": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cred, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 2, cred.Priority)

	resp = f.do(t, http.MethodPost, "/api/admin/credentials/1/priority", map[string]int{"priority": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResetClearsFailureState(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.store.Insert(&types.Credential{
		RefreshToken: "r",
		Disabled:     true,
		DisabledAt:   time.Now(),
		FailureCount: 3,
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/admin/credentials/1/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cred, err := f.store.Get(id)
	require.NoError(t, err)
	assert.False(t, cred.Disabled)
	assert.Zero(t, cred.FailureCount)
}

func TestBalanceEndpoint(t *testing.T) {
	reset := 1767225600.0
	f := newFixture(t, &stubRefresher{usage: types.UsageLimits{
		SubscriptionTitle: "Free",
		CurrentUsage:      7,
		UsageLimit:        50,
		NextDateReset:     &reset,
	}})
	id, err := f.store.Insert(&types.Credential{
		RefreshToken: "r",
		AccessToken:  "tok",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/admin/credentials/1/balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var limits types.UsageLimits
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&limits))
	assert.Equal(t, "Free", limits.SubscriptionTitle)

	cred, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 50.0, cred.UsageLimit)
}

func TestBalanceUnknownID(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/api/admin/credentials/99/balance", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidPathID(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodDelete, "/api/admin/credentials/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   ErrorKind
		wantStatus int
	}{
		{"typed not found", types.NewNotFoundError(3), KindNotFound, 404},
		{"typed invalid", types.NewInvalidRequestError("bad"), KindInvalidRequest, 400},
		{"typed truncated", types.NewPoolError(types.ErrCodeTruncatedCredential, "short"), KindInvalidRequest, 400},
		{"typed upstream", types.NewPoolError(types.ErrCodeRateLimited, "slow down"), KindAPIError, 502},
		{"typed all disabled", types.NewPoolError(types.ErrCodeAllDisabled, "none left"), KindAPIError, 502},
		{"typed store", types.NewStoreError("get", errors.New("io")), KindInternalError, 500},
		{"message not found", errors.New("credential not found"), KindNotFound, 404},
		{"message expired", errors.New("token expired upstream"), KindAPIError, 502},
		{"message opaque", errors.New("boom"), KindInternalError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, status := Classify(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}
