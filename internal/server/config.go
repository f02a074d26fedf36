// Server configuration as served by the config action.

package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/maruel/sbtree/internal/book"
)

// ServerConfig is a snapshot of the backend configuration. It is replaced as
// a whole on reload, never modified.
//
// Unknown members are ignored; Raw keeps the payload as received.
type ServerConfig struct {
	App    AppConfig              `json:"app" jsonschema:"description=Application settings"`
	Server ServerSection          `json:"server" jsonschema:"description=HTTP server settings"`
	Book   map[string]book.Config `json:"book" validate:"dive" jsonschema:"description=Books keyed by id"`

	Raw json.RawMessage `json:"-"`
}

// AppConfig is the app section of the server config.
type AppConfig struct {
	Name   string `json:"name,omitempty" jsonschema:"description=Display name of the server"`
	Root   string `json:"root,omitempty" jsonschema:"description=Local directory served"`
	Locale string `json:"locale,omitempty"`
}

// ServerSection is the server section of the server config.
type ServerSection struct {
	// Base is the URL path the server is mounted at, without trailing slash.
	Base   string `json:"base" jsonschema:"description=URL path prefix of the server, empty for the host root"`
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
	Scheme string `json:"scheme,omitempty"`
}

var validate = validator.New()

// parseConfig decodes and validates the data of a config response.
func parseConfig(raw json.RawMessage) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	cfg.Raw = raw
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}
	return cfg, nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

// ConfigSchema returns the JSON schema of ServerConfig.
func ConfigSchema() ([]byte, error) {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	return json.MarshalIndent(r.Reflect(&ServerConfig{}), "", "  ")
}
