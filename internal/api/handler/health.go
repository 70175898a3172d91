package handler

import (
	"context"
	"net/http"
	"sort"

	"github.com/kiranshivaraju/bugshot/internal/api/response"
)

// Pinger is any backend that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler reports each named dependency as ok or degraded.
func NewHealthHandler(deps map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(names))
		degraded := false
		for _, name := range names {
			checks[name] = "ok"
			if err := deps[name].Ping(r.Context()); err != nil {
				checks[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
