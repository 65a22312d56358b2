package epic

import (
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"sagaa-go/internal/pkce"
)

// CallbackPath is the application route Epic redirects back to.
const CallbackPath = "/auth/epic/callback"

// Session storage keys shared by the initiator and the callback handler.
const (
	KeyCodeVerifier     = "epic_code_verifier"
	KeyState            = "epic_state"
	KeyConnectionStatus = "epic_connection_status"
)

// ConnectionStatus is the user-visible outcome of the connect flow.
type ConnectionStatus string

const (
	StatusNotConnected ConnectionStatus = "not-connected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ParseConnectionStatus maps a stored value back to a status, defaulting to
// not-connected for anything unknown.
func ParseConnectionStatus(s string) ConnectionStatus {
	switch ConnectionStatus(s) {
	case StatusConnecting, StatusConnected, StatusError:
		return ConnectionStatus(s)
	default:
		return StatusNotConnected
	}
}

// DefaultScopes are the patient-level SMART on FHIR scopes requested from Epic.
var DefaultScopes = []string{
	"openid",
	"fhirUser",
	"patient/Patient.read",
	"patient/Observation.read",
	"patient/Condition.read",
	"patient/MedicationRequest.read",
	"patient/AllergyIntolerance.read",
	"patient/Immunization.read",
	"patient/Appointment.read",
}

// Provider is the static Epic OAuth configuration.
type Provider struct {
	ClientID         string
	AuthorizationURL string
	TokenURL         string
	FHIRBaseURL      string
	Scopes           []string
}

// SandboxProvider returns the Epic FHIR sandbox endpoints for clientID.
func SandboxProvider(clientID string) Provider {
	return Provider{
		ClientID:         clientID,
		AuthorizationURL: "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/authorize",
		TokenURL:         "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token",
		FHIRBaseURL:      "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4",
		Scopes:           append([]string(nil), DefaultScopes...),
	}
}

// OAuth2Config returns the provider as an oauth2.Config for redirectURI.
func (p Provider) OAuth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: redirectURI,
		Scopes:      p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthorizationURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// BuildAuthorizationURL assembles the authorization request URL carrying
// response_type, client_id, redirect_uri, scope, state, code_challenge and
// code_challenge_method=S256. It performs no I/O.
func BuildAuthorizationURL(p Provider, redirectURI, state, codeChallenge string) string {
	return p.OAuth2Config(redirectURI).AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
	)
}

// RedirectURI returns the callback URL for the origin r was served on.
// A non-empty publicBaseURL takes precedence over the request origin.
func RedirectURI(r *http.Request, publicBaseURL string) string {
	if publicBaseURL != "" {
		return strings.TrimRight(publicBaseURL, "/") + CallbackPath
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host + CallbackPath
}
