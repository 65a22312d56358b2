package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"sagaa-go/internal/auth"
	"sagaa-go/internal/identity"
)

const maxRequestBody = 16 << 10

// Manager is the relay's view of the OAuth manager.
type Manager interface {
	Exchange(ctx context.Context, userID, code, verifier string) (*auth.Connection, error)
	Status(ctx context.Context, userID string) (*auth.Connection, error)
	Disconnect(ctx context.Context, userID string) error
}

type exchangeBody struct {
	Code         string `json:"code" validate:"required"`
	CodeVerifier string `json:"codeVerifier" validate:"required,min=43,max=128"`
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

// Server exposes the relay API.
type Server struct {
	manager  Manager
	verifier *identity.Verifier
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer creates a Server.
func NewServer(manager Manager, verifier *identity.Verifier, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		manager:  manager,
		verifier: verifier,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes returns the relay's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/epic/callback", s.handleCallback)
		r.Get("/epic/status", s.handleStatus)
		r.Post("/epic/status/disconnect", s.handleDisconnect)
	})

	return otelhttp.NewHandler(r, "relay")
}

// authenticate requires a valid application credential.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := identity.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "No user ID found in request. User must be authenticated.")
			return
		}
		claims, err := s.verifier.Verify(tok)
		if err != nil {
			s.logger.Debug("rejected credential", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "Invalid or expired credential.")
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithClaims(r.Context(), claims)))
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	claims, _ := identity.ClaimsFrom(r.Context())

	var body exchangeBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "Missing required parameters: code and codeVerifier")
		return
	}

	conn, err := s.manager.Exchange(r.Context(), claims.Subject, body.Code, body.CodeVerifier)
	if err != nil {
		var pe *auth.ProviderError
		switch {
		case errors.As(err, &pe):
			writeError(w, http.StatusBadGateway, pe.Error())
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "Missing required parameters: code and codeVerifier")
		default:
			s.logger.Error("exchange failed", zap.String("user_id", claims.Subject), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Successfully connected to Epic",
		"patientId": conn.PatientID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := identity.ClaimsFrom(r.Context())

	conn, err := s.manager.Status(r.Context(), claims.Subject)
	if err != nil {
		s.logger.Error("status lookup failed", zap.String("user_id", claims.Subject), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	out := ConnectionStatus{Connected: conn.Connected, EpicPatientID: conn.PatientID}
	if !conn.LastSync.IsZero() {
		out.LastSync = timePtr(conn.LastSync)
	}
	if !conn.ExpiresAt.IsZero() {
		out.ExpiresAt = timePtr(conn.ExpiresAt)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	claims, _ := identity.ClaimsFrom(r.Context())

	if err := s.manager.Disconnect(r.Context(), claims.Subject); err != nil {
		s.logger.Error("disconnect failed", zap.String("user_id", claims.Subject), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Disconnected from Epic"})
}

func timePtr(t time.Time) *time.Time { return &t }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{
		Success: false,
		Error:   msg,
		Message: "Failed to complete Epic OAuth flow: " + msg,
	})
}
