package server

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed web/templates/*.html
var templateFS embed.FS

//go:embed web/static
var staticFS embed.FS

func staticAssets() (http.FileSystem, error) {
	root, err := fs.Sub(staticFS, "web/static")
	if err != nil {
		return nil, err
	}
	return http.FS(root), nil
}
