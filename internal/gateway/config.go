package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultPort           = 8080
	DefaultEntryPath      = "/index.html"
	DefaultCookieName     = "beta_access"
	DefaultTunnelSuffix   = "/wisp/"
	DefaultPublicDir      = "./public"
	DefaultNotFoundPage   = "404.html"
	DefaultTunnelUpstream = "127.0.0.1:6001"

	grantValue = "true"
)

// Mount exposes a directory under a URL prefix.
type Mount struct {
	Prefix string `yaml:"prefix" validate:"required,startswith=/,endswith=/"`
	Dir    string `yaml:"dir" validate:"required"`
}

// DefaultVendorMounts are the client-side libraries the portal page loads.
func DefaultVendorMounts() []Mount {
	return []Mount{
		{Prefix: "/uv/", Dir: "./vendor/uv"},
		{Prefix: "/epoxy/", Dir: "./vendor/epoxy"},
		{Prefix: "/baremux/", Dir: "./vendor/baremux"},
	}
}

// Config is the gateway configuration. It is built once by the serve command and must not be
// modified afterwards; every component reads it without locking.
type Config struct {
	Host string
	Port int `validate:"min=0,max=65535"`

	EntryPath    string `validate:"required,startswith=/"`
	CookieName   string `validate:"required,cookiename"`
	TunnelSuffix string `validate:"required,startswith=/"`

	PublicDir    string  `validate:"required"`
	NotFoundPage string  `validate:"omitempty,excludes=/"`
	VendorMounts []Mount `validate:"dive"`

	TunnelUpstream string `validate:"required,hostname_port"`
	DialTimeout    time.Duration
	GateTunnel     bool
	MaxTunnels     int `validate:"min=0"`

	DrainTimeout time.Duration

	ACMEHosts    []string `validate:"dive,hostname_rfc1123"`
	ACMEEmail    string   `validate:"omitempty,email"`
	ACMECache    string
	ACMEHTTPAddr string `validate:"omitempty,hostname_port"`

	MetricsListen string `validate:"omitempty,hostname_port"`
	IDMode        string `validate:"oneof=uuid cuid"`
}

// Routes returns the mount table in precedence order: the first-party public directory on "/"
// followed by the vendor mounts. The returned slice is a copy.
func (c *Config) Routes() []Mount {
	routes := make([]Mount, 0, len(c.VendorMounts)+1)
	routes = append(routes, Mount{Prefix: "/", Dir: c.PublicDir})
	routes = append(routes, c.VendorMounts...)
	return routes
}

// TLSEnabled reports whether the listener is wrapped with ACME-issued certificates.
func (c *Config) TLSEnabled() bool {
	return len(c.ACMEHosts) > 0
}

// Validate checks struct tags and the cross-field rules of the mount table.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("cookiename", validateCookieName); err != nil {
		return fmt.Errorf("register cookiename validator: %w", err)
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if c.DrainTimeout < 0 {
		return errors.New("DrainTimeout cannot be negative")
	}
	if c.DialTimeout < 0 {
		return errors.New("DialTimeout cannot be negative")
	}
	if c.EntryPath == "/" {
		return errors.New("EntryPath cannot be \"/\": the grant redirect targets the root")
	}

	seen := map[string]bool{"/": true}
	for i, m := range c.VendorMounts {
		if m.Prefix == "/" {
			return fmt.Errorf("VendorMounts[%d]: prefix \"/\" is reserved for the public directory", i)
		}
		if seen[m.Prefix] {
			return fmt.Errorf("VendorMounts[%d]: duplicate prefix %q", i, m.Prefix)
		}
		seen[m.Prefix] = true
	}
	return nil
}

func validateCookieName(fl validator.FieldLevel) bool {
	cookie := &http.Cookie{Name: fl.Field().String(), Value: grantValue}
	return cookie.Valid() == nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "endswith":
		return fmt.Sprintf("%s must end with %q", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "cookiename":
		return fmt.Sprintf("%s is not a valid cookie name", field)
	case "min", "max":
		return fmt.Sprintf("%s must be %s %s", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
