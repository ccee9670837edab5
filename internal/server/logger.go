package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs one line per request, levelled by response status.
// Health checks and static files are not logged.
func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/static/") {
				next.ServeHTTP(w, r)
				return
			}

			log := logger.With(
				slog.String("component", "http"),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("url", decodeURI(r.RequestURI)),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				duration := time.Since(start)

				level := slog.LevelInfo
				msg := "request completed"
				switch {
				case status >= 500:
					level = slog.LevelError
					msg = "server error"
				case status >= 400:
					level = slog.LevelWarn
					msg = "client error"
				}

				log.Log(r.Context(), level, msg,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration_ms", duration.Seconds()*1000,
				)
			}()

			next.ServeHTTP(ww, r)
		}

		return http.HandlerFunc(fn)
	}
}

func decodeURI(uri string) string {
	decoded, err := url.PathUnescape(uri)
	if err != nil {
		return uri
	}
	return decoded
}
