package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"sagaa-go/internal/epic"
	"sagaa-go/internal/logging"
	"sagaa-go/internal/relay"
)

type landingPage struct {
	Status epic.ConnectionStatus
	Error  string
}

type callbackPage struct {
	Succeeded  bool
	Message    string
	PatientID  string
	RedirectTo string
	Seconds    int
}

type dashboardPage struct {
	Status     epic.ConnectionStatus
	SignedIn   bool
	Relay      *relay.ConnectionStatus
	RelayError string
}

//
// Epic connect flow
//

// handleConnect starts an authorization attempt and sends the browser to Epic.
func (a *Application) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(w, r)
	if err != nil {
		logging.From(r.Context()).Error("failed to load session", zap.Error(err))
		a.render(w, r, http.StatusInternalServerError, "landing.html", landingPage{
			Status: epic.StatusNotConnected,
			Error:  "Failed to initiate Epic connection",
		})
		return
	}

	authURL, err := a.Initiator.Start(r.Context(), sess, a.redirectURI(r))
	if err != nil {
		msg := "Failed to initiate Epic connection"
		var fe *epic.FlowError
		if errors.As(err, &fe) {
			msg = fe.Message
		}
		a.render(w, r, http.StatusInternalServerError, "landing.html", landingPage{
			Status: a.sessionStatus(r),
			Error:  msg,
		})
		return
	}

	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// handleCallback handles the redirect back from Epic. A given redirect is
// processed once per browser session; repeats are served the first outcome.
func (a *Application) handleCallback(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(w, r)
	if err != nil {
		logging.From(r.Context()).Error("failed to load session", zap.Error(err))
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return
	}

	creds := epic.CredentialFunc(func(ctx context.Context) (string, error) {
		bearer, _, err := a.credential(r)
		return bearer, err
	})

	key := sess.ID() + "\x00" + r.URL.RawQuery
	cb := a.Callbacks.Begin(r.URL.Query(), sess, creds)
	if err := a.latches.Add(key, cb, gocache.DefaultExpiration); err != nil {
		if existing, ok := a.latches.Get(key); ok {
			cb = existing.(*epic.Callback)
		}
	}

	// The exchange must finish even if the browser goes away mid-flight.
	outcome := cb.Run(context.WithoutCancel(r.Context()))

	seconds := int(outcome.RedirectAfter / time.Second)
	w.Header().Set("Refresh", fmt.Sprintf("%d; url=%s", seconds, outcome.RedirectTo))
	a.render(w, r, http.StatusOK, "callback.html", callbackPage{
		Succeeded:  outcome.Succeeded(),
		Message:    outcome.Message,
		PatientID:  outcome.PatientID,
		RedirectTo: outcome.RedirectTo,
		Seconds:    seconds,
	})
}

//
// Healthcare pages
//

func (a *Application) handleLanding(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, http.StatusOK, "landing.html", landingPage{Status: a.sessionStatus(r)})
}

// handleDashboard shows the session's connection status and, for a signed-in
// user, what the relay holds.
func (a *Application) handleDashboard(w http.ResponseWriter, r *http.Request) {
	page := dashboardPage{Status: a.sessionStatus(r)}

	if bearer, _, err := a.credential(r); err == nil {
		page.SignedIn = true
		status, err := a.Relay.Status(r.Context(), bearer)
		if err != nil {
			logging.From(r.Context()).Warn("failed to fetch relay status", zap.Error(err))
			page.RelayError = "Could not load connection details"
		} else {
			page.Relay = status
		}
	}

	a.render(w, r, http.StatusOK, "dashboard.html", page)
}

// handleDisconnect removes the stored Epic token and resets the session status.
func (a *Application) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	bearer, _ := bearerFromContext(r.Context())

	if err := a.Relay.Disconnect(r.Context(), bearer); err != nil {
		logging.From(r.Context()).Error("relay disconnect failed", zap.Error(err))
		a.render(w, r, http.StatusBadGateway, "dashboard.html", dashboardPage{
			Status:     a.sessionStatus(r),
			SignedIn:   true,
			RelayError: "Failed to disconnect from Epic",
		})
		return
	}

	if sess, ok := a.Sessions.Peek(r); ok {
		if err := sess.Set(r.Context(), epic.KeyConnectionStatus, string(epic.StatusNotConnected)); err != nil {
			logging.From(r.Context()).Warn("failed to reset connection status", zap.Error(err))
		}
	}

	http.Redirect(w, r, a.Config.Flow.SuccessRedirect, http.StatusSeeOther)
}

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

//
// Helpers
//

// sessionStatus reads the connection status without creating a session.
func (a *Application) sessionStatus(r *http.Request) epic.ConnectionStatus {
	sess, ok := a.Sessions.Peek(r)
	if !ok {
		return epic.StatusNotConnected
	}
	v, _, err := sess.Get(r.Context(), epic.KeyConnectionStatus)
	if err != nil {
		logging.From(r.Context()).Warn("failed to read connection status", zap.Error(err))
	}
	return epic.ParseConnectionStatus(v)
}

// redirectURI prefers the configured redirect URI over the request origin.
func (a *Application) redirectURI(r *http.Request) string {
	if a.Config.Epic.RedirectURI != "" {
		return a.Config.Epic.RedirectURI
	}
	return epic.RedirectURI(r, a.Config.PublicBaseURL)
}

func (a *Application) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := a.pages.ExecuteTemplate(&buf, name, data); err != nil {
		logging.From(r.Context()).Error("failed to render page", zap.String("template", name), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
