package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedType is returned for a filename no route claims.
var ErrUnsupportedType = errors.New("unsupported file type")

// Route binds a filename suffix to the daemon that owns such files.
type Route struct {
	// Name identifies the owner in logs and metrics ("local", "pdf", "text").
	Name string
	// Suffix is matched against the end of the whole filename.
	Suffix string
	// Local is true when the coordinator keeps these files itself.
	Local bool
}

// Router resolves which daemon stores a given file. Routes are checked
// in order and the first suffix match wins, so "archive.tar.pdf" goes to
// whoever owns ".pdf".
type Router struct {
	routes []Route
}

// NewRouter creates a Router from an ordered route table.
func NewRouter(routes ...Route) *Router {
	return &Router{routes: routes}
}

// DefaultRouter returns the stock table: .pdf and .txt to their stores,
// .c kept local.
func DefaultRouter() *Router {
	return NewRouter(
		Route{Name: "pdf", Suffix: ".pdf"},
		Route{Name: "text", Suffix: ".txt"},
		Route{Name: "local", Suffix: ".c", Local: true},
	)
}

// Resolve returns the route for filename.
func (r *Router) Resolve(filename string) (Route, error) {
	for _, rt := range r.routes {
		if strings.HasSuffix(filename, rt.Suffix) {
			return rt, nil
		}
	}
	return Route{}, fmt.Errorf("%s: %w", filename, ErrUnsupportedType)
}

// Local returns the coordinator's own route.
func (r *Router) Local() (Route, bool) {
	for _, rt := range r.routes {
		if rt.Local {
			return rt, true
		}
	}
	return Route{}, false
}

// Remote returns the peer routes in table order.
func (r *Router) Remote() []Route {
	var out []Route
	for _, rt := range r.routes {
		if !rt.Local {
			out = append(out, rt)
		}
	}
	return out
}
