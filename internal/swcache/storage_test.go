package swcache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) Backend {
	t.Helper()
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend {
			b := NewMemoryBackend()
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"badger": func(t *testing.T) Backend {
			b, err := OpenBadger("")
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func okResponse(req *http.Request, body string) *http.Response {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/plain")
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.WriteString(body)
	resp := rec.Result()
	resp.Request = req
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestStorage_Backends(t *testing.T) {
	t.Parallel()

	for name, newBackend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := NewStorage(newBackend(t))

			c, err := s.Open("livreur-shell-v1")
			require.NoError(t, err)
			_, err = s.Open("livreur-shell-v10")
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "http://origin.test/index.html", http.NoBody)
			resp := okResponse(req, "<html>shell</html>")
			require.NoError(t, c.Put(req, resp))
			assert.Equal(t, "<html>shell</html>", readBody(t, resp), "body still readable after Put")

			got, err := c.Match(req)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, http.StatusOK, got.StatusCode)
			assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
			assert.Equal(t, "<html>shell</html>", readBody(t, got))

			other := httptest.NewRequest(http.MethodGet, "http://origin.test/index.html?v=2", http.NoBody)
			miss, err := c.Match(other)
			require.NoError(t, err)
			assert.Nil(t, miss, "match is exact on the full URL")

			names, err := s.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"livreur-shell-v1", "livreur-shell-v10"}, names)

			deleted, err := s.Delete("livreur-shell-v1")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = s.Delete("livreur-shell-v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err = s.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"livreur-shell-v10"}, names)

			reopened, err := s.Open("livreur-shell-v1")
			require.NoError(t, err)
			gone, err := reopened.Match(req)
			require.NoError(t, err)
			assert.Nil(t, gone, "deleting a cache drops its entries")
		})
	}
}

func TestBadgerBackend_Persists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b, err := OpenBadger(dir)
	require.NoError(t, err)
	s := NewStorage(b)
	c, err := s.Open("livreur-shell-v1")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "http://origin.test/styles.css", http.NoBody)
	require.NoError(t, c.Put(req, okResponse(req, "body{}")))
	require.NoError(t, s.Close())

	b, err = OpenBadger(dir)
	require.NoError(t, err)
	s = NewStorage(b)
	t.Cleanup(func() { _ = s.Close() })

	c, err = s.Open("livreur-shell-v1")
	require.NoError(t, err)
	got, err := c.Match(req)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, strings.Contains(readBody(t, got), "body{}"))
}

func TestBadgerBackend_DeleteKeepsLongerNames(t *testing.T) {
	t.Parallel()

	b, err := OpenBadger("")
	require.NoError(t, err)
	s := NewStorage(b)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Open("livreur-shell-v1")
	require.NoError(t, err)
	live, err := s.Open("livreur-shell-v1.0.0")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "http://origin.test/app.js", http.NoBody)
	require.NoError(t, live.Put(req, okResponse(req, "app")))

	deleted, err := s.Delete("livreur-shell-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	names, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"livreur-shell-v1.0.0"}, names)

	got, err := live.Match(req)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "app", readBody(t, got))
}
