package api

import (
	"bytes"
	"embed"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/els-fr/livreur/internal/errors"
)

//go:embed all:web
var webFS embed.FS

// ShellFS returns the embedded app shell rooted at its top directory.
func ShellFS() fs.FS {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		panic(err) // the embed pattern guarantees the directory
	}
	return sub
}

// ShellTransport answers GET requests for files of an embedded shell hosted on
// origin and passes every other request to Next. It stands in for the shell's
// web host, so the cache worker precaches and serves it like any origin.
type ShellTransport struct {
	origin *url.URL
	fsys   fs.FS
	next   http.RoundTripper
}

// NewShellTransport serves fsys for requests to origin.
func NewShellTransport(origin string, fsys fs.FS, next http.RoundTripper) (*ShellTransport, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return nil, errors.Newf("invalid shell origin %q", origin).
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if next == nil {
		next = http.DefaultTransport
	}
	return &ShellTransport{origin: u, fsys: fsys, next: next}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *ShellTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if (req.Method == http.MethodGet || req.Method == http.MethodHead) &&
		req.URL.Scheme == t.origin.Scheme && req.URL.Host == t.origin.Host {
		if data, name, ok := t.lookup(req.URL.Path); ok {
			return fileResponse(req, name, data), nil
		}
	}
	return t.next.RoundTrip(req)
}

func (t *ShellTransport) lookup(p string) ([]byte, string, bool) {
	name := strings.TrimPrefix(path.Clean("/"+p), "/")
	if name == "" {
		name = "index.html"
	}
	data, err := fs.ReadFile(t.fsys, name)
	if err != nil {
		return nil, "", false
	}
	return data, name, true
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".webmanifest") {
		return "application/manifest+json"
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func fileResponse(req *http.Request, name string, data []byte) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType(name))
	h.Set("Content-Length", strconv.Itoa(len(data)))
	body := io.NopCloser(bytes.NewReader(data))
	if req.Method == http.MethodHead {
		body = http.NoBody
	}
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          body,
		ContentLength: int64(len(data)),
		Request:       req,
	}
}
