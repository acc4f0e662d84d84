package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/pkg/schema"
)

func execHTTP(t *testing.T, op string, kwargs map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := NewHTTPPlugin(HTTPConfig{}).Invoke(context.Background(), Request{Operation: op, Kwargs: kwargs})
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	require.True(t, ok)
	return m, nil
}

func TestHTTP_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		json.NewEncoder(w).Encode(map[string]any{"greeting": "hello", "count": 42})
	}))
	defer srv.Close()

	out, err := execHTTP(t, schema.DefaultOperation, map[string]any{"url": srv.URL})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, out["status_code"])
	assert.Contains(t, out["content_type"], "application/json")
	body, ok := out["body"].(map[string]any)
	require.True(t, ok, "body should be parsed")
	assert.Equal(t, "hello", body["greeting"])
	assert.Equal(t, "test-value", out["headers"].(map[string]any)["X-Custom"])
}

func TestHTTP_PostJSONBody(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &received)
		w.Write([]byte("created"))
	}))
	defer srv.Close()

	out, err := execHTTP(t, "post", map[string]any{
		"url":  srv.URL,
		"body": map[string]any{"name": "test", "value": 123},
	})
	require.NoError(t, err)
	assert.Equal(t, "test", received["name"])
	assert.Equal(t, float64(123), received["value"])
	assert.Equal(t, "created", out["body"])
}

func TestHTTP_FormBodyAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "bar", r.PostForm.Get("foo"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.Header.Get("X-Trace"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := execHTTP(t, "request", map[string]any{
		"url":           srv.URL,
		"method":        "put",
		"body":          map[string]any{"foo": "bar"},
		"body_encoding": "form",
		"headers":       map[string]any{"X-Trace": "1"},
		"auth":          map[string]any{"type": "bearer", "token": "tok"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, out["status_code"])
	assert.Nil(t, out["body"])
}

func TestHTTP_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)
	}))
	defer srv.Close()

	_, err := execHTTP(t, "get", map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "basic", "username": "u", "password": "p"},
	})
	require.NoError(t, err)
}

func TestHTTP_FailOnErrorStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	out, err := execHTTP(t, "get", map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, out["status_code"])

	_, err = execHTTP(t, "get", map[string]any{"url": srv.URL, "fail_on_error_status": true})
	var ce *schema.ChainError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
	assert.False(t, IsRetryableError(err))

	status.Store(http.StatusBadGateway)
	_, err = execHTTP(t, "get", map[string]any{"url": srv.URL, "fail_on_error_status": true})
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeExecution, ce.Code)
	assert.True(t, IsRetryableError(err))
}

func TestHTTP_Redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := execHTTP(t, "get", map[string]any{"url": srv.URL + "/start"})
	require.NoError(t, err)
	assert.Equal(t, "done", out["body"])

	out, err = execHTTP(t, "get", map[string]any{"url": srv.URL + "/start", "follow_redirects": false})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, out["status_code"])

	_, err = execHTTP(t, "get", map[string]any{"url": srv.URL + "/start", "max_redirects": 0})
	assert.Error(t, err)
}

func TestHTTP_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := execHTTP(t, "get", map[string]any{"url": srv.URL, "timeout": "20ms"})
	require.Error(t, err)
}

func TestHTTP_InvalidInput(t *testing.T) {
	for name, tc := range map[string]struct {
		op     string
		kwargs map[string]any
	}{
		"missing url":   {"get", map[string]any{}},
		"bad scheme":    {"get", map[string]any{"url": "ftp://example.com"}},
		"bad timeout":   {"get", map[string]any{"url": "http://example.com", "timeout": "soon"}},
		"bad form body": {"post", map[string]any{"url": "http://example.com", "body": "x", "body_encoding": "form"}},
		"unknown op":    {"delete", map[string]any{"url": "http://example.com"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := execHTTP(t, tc.op, tc.kwargs)
			var ce *schema.ChainError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, schema.ErrCodeValidation, ce.Code)
		})
	}
}
