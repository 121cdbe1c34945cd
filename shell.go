package dashgate

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/dashgate/dashgate/proxy"
)

const (
	configUIPath   = "/config-path"
	staticPrefix   = "/_static"
	configUIIndex  = "index.html"
	shellUnreached = "Application shell is not reachable"
)

// newShell returns the handler of the application shell: a proxy to the
// shell server, a file server, or nil when neither is configured.
func newShell(px *proxy.Proxy, shellURL, shellDir string) (http.Handler, error) {
	switch {
	case shellURL != "":
		u, err := url.Parse(shellURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid shell url: %q", shellURL)
		}

		return px.Static("/", shellURL, shellUnreached), nil
	case shellDir != "":
		return http.FileServer(http.Dir(shellDir)), nil
	default:
		return nil, nil
	}
}

// filesOnly hides the directories of a file system, no listings are
// served from it.
type filesOnly struct {
	fs http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}

	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if st.IsDir() {
		file.Close()
		return nil, os.ErrNotExist
	}

	return file, nil
}

// newConfigUI serves the route configuration page from dir.
func newConfigUI(dir string) http.Handler {
	if dir == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(configUIPath, func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(dir, configUIIndex))
	})

	mux.Handle(staticPrefix+"/", http.StripPrefix(staticPrefix, http.FileServer(filesOnly{http.Dir(dir)})))
	return mux
}
