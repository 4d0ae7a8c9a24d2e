package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbrestreamer/gateway/backend/service/auth"
	"gbrestreamer/gateway/backend/store"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		OKMessage(w, "ok")
	})
}

func newAuth(t *testing.T, configHash string) *auth.Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return auth.New(st, func() string { return configHash })
}

func TestAuthRequired_OpenWithoutKeys(t *testing.T) {
	h := AuthRequired(newAuth(t, ""), "/api/v1")(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/gateway/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired_ChecksConfiguredKey(t *testing.T) {
	hash, err := auth.HashKey("secret-key-1")
	require.NoError(t, err)
	h := AuthRequired(newAuth(t, hash), "/api/v1")(okHandler())

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		path   string
		status int
	}{
		{name: "missing", path: "/api/v1/gateway/status", status: http.StatusUnauthorized},
		{name: "health is public", path: "/api/v1/health", status: http.StatusOK},
		{name: "non api path", path: "/metrics", status: http.StatusOK},
		{name: "header", path: "/api/v1/gateway/status", status: http.StatusOK,
			setup: func(r *http.Request) { r.Header.Set("X-API-Key", "secret-key-1") }},
		{name: "bearer", path: "/api/v1/gateway/status", status: http.StatusOK,
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-key-1") }},
		{name: "query", path: "/api/v1/events/ws?api_key=secret-key-1", status: http.StatusOK},
		{name: "wrong", path: "/api/v1/gateway/status", status: http.StatusUnauthorized,
			setup: func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.setup != nil {
				tc.setup(req)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS("*")(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/gateway/status", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestObserve_ReportsStatus(t *testing.T) {
	var gotMethod string
	var gotStatus int
	h := Observe(func(method string, status int) {
		gotMethod, gotStatus = method, status
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Error(w, http.StatusNotFound, "missing")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, http.StatusNotFound, gotStatus)
}

func TestFail_MapsSentinels(t *testing.T) {
	errMissing := errors.New("missing thing")
	rec := httptest.NewRecorder()
	Fail(rec, errors.Join(context.Canceled, errMissing), ErrorMapping{Err: errMissing, Status: http.StatusNotFound})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body Result[any]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, -404, body.Code)

	rec = httptest.NewRecorder()
	Fail(rec, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDecodeJSON_RefusesMalformedBodies(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	decode := func(raw string) (body, error) {
		var dst body
		err := DecodeJSON(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(raw)), &dst)
		return dst, err
	}

	got, err := decode(`{"name":"lobby"}`)
	require.NoError(t, err)
	assert.Equal(t, "lobby", got.Name)

	for _, raw := range []string{
		"",
		`{"name":"a","extra":1}`,
		`{"name":"a"} {"name":"b"}`,
		`{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`,
	} {
		_, err := decode(raw)
		assert.ErrorIs(t, err, ErrBadBody)
	}

	_, err = decode(`{"name":"a"}` + "\n")
	assert.NoError(t, err)

	rec := httptest.NewRecorder()
	_, err = decode("{")
	Fail(rec, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnavailable_UsesNegatedStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	Unavailable(rec, "journal")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body Result[any]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, -503, body.Code)
	assert.Equal(t, "journal not configured", body.Message)
}
