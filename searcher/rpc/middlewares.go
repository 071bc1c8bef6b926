package rpc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// accessLog logs plain HTTP traffic. Control calls are logged by auditInterceptor, health checks and
// scrapes only at debug.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := Logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = Logger.Warn()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http")
	})
}

// panicRecoverer covers the non-RPC routes; connect handlers recover through recoverHandler.
func panicRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				Logger.Error().
					Interface("panic", rvr).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("path", r.URL.Path).
					Msg("Recovered from panic")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// newCORSHandler only admits what the Connect JSON protocol sends; the control surface has no
// gRPC-Web clients.
func newCORSHandler(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{
			"Content-Type",
			"Connect-Protocol-Version",
			"Connect-Timeout-Ms",
		},
		MaxAge: int(time.Hour / time.Second),
	}).Handler(next)
}

// auditInterceptor records every control call. Updates log at info since they change what the
// searcher evaluates; status reads stay at debug. Rejected input logs at warn, failures at error.
func auditInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			procedure := req.Spec().Procedure
			event := Logger.Info()
			switch {
			case err != nil && isRejection(connect.CodeOf(err)):
				event = Logger.Warn().Err(err).Str("code", connect.CodeOf(err).String())
			case err != nil:
				event = Logger.Error().Err(err).Str("code", connect.CodeOf(err).String())
			case strings.HasSuffix(procedure, "/GetStatus"):
				event = Logger.Debug()
			}
			event.
				Str("request_id", middleware.GetReqID(ctx)).
				Str("procedure", procedure).
				Str("peer", req.Peer().Addr).
				Dur("duration", time.Since(start)).
				Msg("control call")

			return resp, err
		}
	}
}

func isRejection(code connect.Code) bool {
	return code == connect.CodeInvalidArgument || code == connect.CodeResourceExhausted
}

// noCacheInterceptor keeps status and update responses out of proxy caches.
func noCacheInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			resp, err := next(ctx, req)
			if err == nil && resp != nil {
				resp.Header().Set("Cache-Control", "no-store")
			}
			return resp, err
		}
	}
}
