package app

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sagaa-go/internal/identity"
	"sagaa-go/internal/logging"
	"sagaa-go/internal/metrics"
)

// contextKey is a custom type to use as a key for context values.
type contextKey string

// bearerContextKey is the key for storing the verified credential in the request context.
const bearerContextKey = contextKey("bearer")

const requestIDHeader = "X-Request-ID"

// requestLogger attaches a request id and a request-scoped logger, and
// records the request once it has been served. Only the path is logged: the
// callback query carries the authorization code.
func (a *Application) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		logger := a.Logger.With(zap.String("request_id", reqID))
		r = r.WithContext(logging.ToContext(r.Context(), logger))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()

		logger.Info("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// requireCredential is a middleware that ensures the app user is signed in.
// If the user is not, it redirects them to the landing page and clears a stale
// credential cookie.
func (a *Application) requireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, claims, err := a.credential(r)
		if err != nil {
			logging.From(r.Context()).Debug("rejected credential", zap.Error(err))
			if _, cookieErr := r.Cookie(identity.CookieName); cookieErr == nil {
				http.SetCookie(w, &http.Cookie{
					Name:   identity.CookieName,
					Value:  "",
					Path:   "/",
					MaxAge: -1,
				})
			}
			http.Redirect(w, r, a.Config.Flow.FailureRedirect, http.StatusSeeOther)
			return
		}

		ctx := identity.WithClaims(r.Context(), claims)
		next.ServeHTTP(w, withBearer(r.WithContext(ctx), bearer))
	})
}

// credential returns the request's app-user credential once it verifies.
func (a *Application) credential(r *http.Request) (string, *identity.Claims, error) {
	bearer, err := identity.FromRequest(r)
	if err != nil {
		return "", nil, err
	}
	claims, err := a.verifier.Verify(bearer)
	if err != nil {
		return "", nil, err
	}
	return bearer, claims, nil
}

// withBearer adds the credential to the request's context.
func withBearer(r *http.Request, bearer string) *http.Request {
	ctx := context.WithValue(r.Context(), bearerContextKey, bearer)
	return r.WithContext(ctx)
}

// bearerFromContext retrieves the credential from the context.
func bearerFromContext(ctx context.Context) (string, bool) {
	bearer, ok := ctx.Value(bearerContextKey).(string)
	return bearer, ok
}
