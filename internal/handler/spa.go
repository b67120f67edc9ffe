package handler

import (
	"os"
	"path"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"ode-proxy-go/internal/config"
)

// SPAHandler serves a prebuilt single-page app, falling back to index.html
// for client-side routes.
type SPAHandler struct {
	dir string
}

// NewSPAHandler creates an SPAHandler rooted at the configured SPA directory.
func NewSPAHandler(cfg *config.Config) *SPAHandler {
	return &SPAHandler{dir: cfg.UI.SPADir}
}

// Serve writes the requested file if it exists under the SPA directory,
// otherwise index.html.
func (h *SPAHandler) Serve(c echo.Context) error {
	// Cleaning against "/" keeps the result inside dir.
	name := path.Clean("/" + c.Param("*"))
	if name != "/" {
		full := filepath.Join(h.dir, filepath.FromSlash(name))
		if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
			return c.File(full)
		}
	}
	return c.File(filepath.Join(h.dir, "index.html"))
}
