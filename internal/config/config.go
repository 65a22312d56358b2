package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	HTTPPort      int    `json:"http_port" validate:"gte=0,lte=65535"`
	MetricsPort   int    `json:"metrics_port" validate:"gte=0,lte=65535"`
	PublicBaseURL string `json:"public_base_url" validate:"omitempty,url"`

	Log struct {
		Level string `json:"level" validate:"oneof=debug info warn error"`
		Env   string `json:"env" validate:"oneof=dev prod"`
	} `json:"log"`

	Epic struct {
		ClientID         string   `json:"client_id" validate:"required"`
		ClientSecret     string   `json:"client_secret"`
		AuthorizationURL string   `json:"authorization_url" validate:"required,url"`
		TokenURL         string   `json:"token_url" validate:"required,url"`
		FHIRBaseURL      string   `json:"fhir_base_url" validate:"required,url"`
		Scopes           []string `json:"scopes" validate:"min=1,dive,required"`
		RedirectURI      string   `json:"redirect_uri" validate:"omitempty,url"`
	} `json:"epic"`

	Relay struct {
		URL             string   `json:"url" validate:"required,url"`
		Port            int      `json:"port" validate:"gte=0,lte=65535"`
		Timeout         Duration `json:"timeout" validate:"min=1s"`
		ExchangeTimeout Duration `json:"exchange_timeout" validate:"min=1s"`
		RefreshInterval Duration `json:"refresh_interval" validate:"min=1s"`
		Workers         int      `json:"workers" validate:"min=1"`
	} `json:"relay"`

	Session struct {
		Backend      string   `json:"backend" validate:"oneof=memory redis"`
		RedisAddr    string   `json:"redis_addr" validate:"required_if=Backend redis"`
		RedisDB      int      `json:"redis_db" validate:"gte=0"`
		PendingTTL   Duration `json:"pending_ttl" validate:"min=1m"`
		StatusTTL    Duration `json:"status_ttl" validate:"min=1m"`
		SecureCookie bool     `json:"secure_cookie"`
	} `json:"session"`

	Flow struct {
		SuccessRedirect string   `json:"success_redirect" validate:"required,startswith=/"`
		FailureRedirect string   `json:"failure_redirect" validate:"required,startswith=/"`
		SuccessDelay    Duration `json:"success_delay"`
		FailureDelay    Duration `json:"failure_delay"`
	} `json:"flow"`

	Identity struct {
		Issuer string   `json:"issuer" validate:"required"`
		Secret string   `json:"secret" validate:"required,min=32"`
		TTL    Duration `json:"ttl" validate:"min=1m"`
	} `json:"identity"`

	Storage struct {
		DBPath        string `json:"db_path" validate:"required"`
		EncryptionKey string `json:"encryption_key" validate:"required,len=32"`
	} `json:"storage"`
}

// Duration is a wrapper around time.Duration that implements JSON marshaling/unmarshaling
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("invalid duration")
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns a complete development configuration against the Epic sandbox.
func Default() *Config {
	var c Config
	c.HTTPPort = 3000
	c.MetricsPort = 9090
	c.Log.Level = "info"
	c.Log.Env = "dev"

	c.Epic.ClientID = "fca52c91-c927-4a4e-a048-66a825d7259f"
	c.Epic.AuthorizationURL = "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/authorize"
	c.Epic.TokenURL = "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token"
	c.Epic.FHIRBaseURL = "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4"
	c.Epic.Scopes = []string{
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

	c.Relay.URL = "http://localhost:8081"
	c.Relay.Port = 8081
	c.Relay.Timeout = Duration{15 * time.Second}
	c.Relay.ExchangeTimeout = Duration{30 * time.Second}
	c.Relay.RefreshInterval = Duration{time.Minute}
	c.Relay.Workers = 2

	c.Session.Backend = "memory"
	c.Session.PendingTTL = Duration{10 * time.Minute}
	c.Session.StatusTTL = Duration{24 * time.Hour}

	c.Flow.SuccessRedirect = "/healthcare/dashboard"
	c.Flow.FailureRedirect = "/healthcare"
	c.Flow.SuccessDelay = Duration{2 * time.Second}
	c.Flow.FailureDelay = Duration{4 * time.Second}

	c.Identity.Issuer = "sagaa"
	c.Identity.Secret = "dev-only-identity-secret-change-me!!"
	c.Identity.TTL = Duration{time.Hour}

	c.Storage.DBPath = "sagaa.db"
	c.Storage.EncryptionKey = "dev-only-32-byte-encryption-key!"
	return &c
}

// Load reads configuration from a file over Default and overrides it with
// environment variables. An empty path skips the file. Variables from a .env
// file in the working directory are loaded first when present.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given files without overriding ones
// already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// applyEnvOverrides overrides config fields with SAGAA_* environment variables.
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"SAGAA_LOG_LEVEL":          &c.Log.Level,
		"SAGAA_LOG_ENV":            &c.Log.Env,
		"SAGAA_PUBLIC_BASE_URL":    &c.PublicBaseURL,
		"SAGAA_EPIC_CLIENT_ID":     &c.Epic.ClientID,
		"SAGAA_EPIC_CLIENT_SECRET": &c.Epic.ClientSecret,
		"SAGAA_EPIC_REDIRECT_URI":  &c.Epic.RedirectURI,
		"SAGAA_RELAY_URL":          &c.Relay.URL,
		"SAGAA_SESSION_BACKEND":    &c.Session.Backend,
		"SAGAA_REDIS_ADDR":         &c.Session.RedisAddr,
		"SAGAA_IDENTITY_ISSUER":    &c.Identity.Issuer,
		"SAGAA_IDENTITY_SECRET":    &c.Identity.Secret,
		"SAGAA_DB_PATH":            &c.Storage.DBPath,
		"SAGAA_ENCRYPTION_KEY":     &c.Storage.EncryptionKey,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SAGAA_HTTP_PORT":    &c.HTTPPort,
		"SAGAA_METRICS_PORT": &c.MetricsPort,
		"SAGAA_RELAY_PORT":   &c.Relay.Port,
		"SAGAA_REDIS_DB":     &c.Session.RedisDB,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"SAGAA_RELAY_TIMEOUT":          &c.Relay.Timeout,
		"SAGAA_RELAY_EXCHANGE_TIMEOUT": &c.Relay.ExchangeTimeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", name, err)
			}
			*dst = Duration{d}
		}
	}

	if v := os.Getenv("SAGAA_SECURE_COOKIE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing SAGAA_SECURE_COOKIE: %w", err)
		}
		c.Session.SecureCookie = b
	}

	if v := os.Getenv("SAGAA_EPIC_SCOPES"); v != "" {
		c.Epic.Scopes = strings.Fields(v)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validate := validator.New()

	// Register custom validation for Duration
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if duration, ok := field.Interface().(Duration); ok {
			return duration.Duration
		}
		return nil
	}, Duration{})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if c.Flow.SuccessDelay.Duration < 0 || c.Flow.FailureDelay.Duration < 0 {
		return errors.New("validation failed: redirect delays cannot be negative")
	}

	return nil
}

// EpicRedirectURI is the registered redirect URI, when one can be derived
// without a request.
func (c *Config) EpicRedirectURI() string {
	if c.Epic.RedirectURI != "" {
		return c.Epic.RedirectURI
	}
	if c.PublicBaseURL != "" {
		return strings.TrimRight(c.PublicBaseURL, "/") + "/auth/epic/callback"
	}
	return fmt.Sprintf("http://localhost:%d/auth/epic/callback", c.HTTPPort)
}
