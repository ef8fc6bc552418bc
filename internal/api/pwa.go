package api

import (
	"io/fs"
	"net/http"

	"github.com/labstack/echo/v4"
)

// registerPWARoutes registers the manifest and page worker. Both must be served
// from root paths so the worker scope covers the whole shell.
func (s *Server) registerPWARoutes() {
	s.echo.GET("/manifest.webmanifest", func(c echo.Context) error {
		return s.handlePWAFile(c, "manifest.webmanifest")
	})

	s.echo.GET("/sw.js", func(c echo.Context) error {
		c.Response().Header().Set("Service-Worker-Allowed", "/")
		return s.handlePWAFile(c, "sw.js")
	})
}

// handlePWAFile serves a file of the embedded shell directly. These files
// have fixed names, so they are never cached by the browser.
func (s *Server) handlePWAFile(c echo.Context, name string) error {
	data, err := fs.ReadFile(s.shell, name)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.Blob(http.StatusOK, contentType(name), data)
}
