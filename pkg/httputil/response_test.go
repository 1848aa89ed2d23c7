package httputil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedirectWithParams(t *testing.T) {
	t.Run("appends params", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "https://acme.example.com/x", nil)

		RedirectWithParams(rec, req, "https://acme.example.com/login", map[string]string{
			"error":   "not_a_member",
			"message": "no access",
		})

		require.Equal(t, http.StatusFound, rec.Code)
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "not_a_member", loc.Query().Get("error"))
		assert.Equal(t, "no access", loc.Query().Get("message"))
	})

	t.Run("preserves existing query", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "https://acme.example.com/x", nil)

		RedirectWithParams(rec, req, "https://acme.example.com/login?next=%2Freports", map[string]string{
			"error": "session_expired",
		})

		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "/reports", loc.Query().Get("next"))
		assert.Equal(t, "session_expired", loc.Query().Get("error"))
	})
}

func TestFullPageRequest(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{"plain navigation", map[string]string{"Accept": "text/html,application/xhtml+xml"}, true},
		{"no accept header", nil, true},
		{"wildcard accept", map[string]string{"Accept": "*/*"}, true},
		{"sec-fetch navigate", map[string]string{"Sec-Fetch-Mode": "navigate", "Accept": "text/html"}, true},
		{"xhr", map[string]string{"X-Requested-With": "XMLHttpRequest", "Accept": "text/html"}, false},
		{"fetch cors", map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, false},
		{"json only", map[string]string{"Accept": "application/json"}, false},
		{"json with q params", map[string]string{"Accept": "application/json;q=0.9, text/plain"}, false},
		{"html with q params", map[string]string{"Accept": "text/html;q=0.9, application/json"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "https://acme.example.com/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, FullPageRequest(req))
		})
	}
}

func TestWriteHelpers(t *testing.T) {
	t.Run("WriteJSON", func(t *testing.T) {
		rec := httptest.NewRecorder()
		require.NoError(t, WriteJSON(rec, http.StatusOK, map[string]string{"ok": "yes"}))
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"ok":"yes"}`, rec.Body.String())
	})

	t.Run("WriteForbidden", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteForbidden(rec, "no access")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.JSONEq(t, `{"error":"no access"}`, rec.Body.String())
	})
}
