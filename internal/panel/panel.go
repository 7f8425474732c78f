package panel

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
)

//go:embed web/*
var content embed.FS

// Handler returns an http.Handler serving the occupancy page.
//
// A non-empty dir that exists is served from disk so the page can be edited
// without rebuilding; otherwise the embedded copy is used. Unknown paths
// fall back to index.html.
func Handler(dir string) http.Handler {
	fileSystem := assets(dir)
	fileServer := http.FileServer(fileSystem)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		upath := path.Clean("/" + r.URL.Path)
		if upath != "/" && !exists(fileSystem, upath[1:]) {
			r.URL.Path = "/"
		}
		fileServer.ServeHTTP(w, r)
	})
}

func assets(dir string) http.FileSystem {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return http.Dir(dir)
		}
	}
	webFS, err := fs.Sub(content, "web")
	if err != nil {
		panic(fmt.Sprintf("panel: failed to load embedded web assets: %v", err))
	}
	return http.FS(webFS)
}

func exists(fileSystem http.FileSystem, name string) bool {
	f, err := fileSystem.Open(name)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
