package httpmiddleware

import (
	"net/http"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into a logged 500 response with a JSON
// body in the shape the health endpoints use. If the handler already wrote
// its header the connection is only marked for closing.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				fields := []zap.Field{
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				}
				if id := w.Header().Get(RequestIDHeader); id != "" {
					fields = append(fields, zap.String("request_id", id))
				}
				zctx.From(r.Context()).Error("Handler panicked", fields...)

				w.Header().Set("Connection", "close")
				if sw.status != 0 {
					return
				}
				var e jx.Encoder
				e.Obj(func(e *jx.Encoder) {
					e.Field("status", func(e *jx.Encoder) { e.Str("error") })
					e.Field("error", func(e *jx.Encoder) { e.Str(http.StatusText(http.StatusInternalServerError)) })
				})
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write(e.Bytes())
			}()
			next.ServeHTTP(sw, r)
		})
	}
}
