package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/bugshot/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope. The panic is logged
// with whatever project and error the request had reached, and the request
// line Logger writes is flagged as panicked.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}

			AddLogAttrs(r.Context(), slog.Bool("panicked", true))
			attrs := append(requestAttrs(r),
				slog.String("panic", fmt.Sprint(rv)),
				slog.String("stack", string(debug.Stack())),
			)
			slog.LogAttrs(r.Context(), slog.LevelError, "handler panicked", attrs...)

			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
