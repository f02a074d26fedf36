// Package settings loads the host settings file.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvServerRoot overrides the server root of the settings file.
const EnvServerRoot = "SBTREE_SERVER_ROOT"

// Settings is the content of the settings file.
type Settings struct {
	// Root is the storage root URL. Empty means no backend.
	Root              string        `yaml:"server_root" validate:"omitempty,url"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	BearerToken       string        `yaml:"bearer_token"`
	LogLevel          string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns the settings used when no file is given.
func Default() *Settings {
	return &Settings{
		Timeout:  time.Minute,
		LogLevel: "info",
	}
}

// ServerRoot returns the storage root.
func (s *Settings) ServerRoot() string {
	return s.Root
}

// Validate checks the field values.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ApplyEnv overrides values from the environment.
func (s *Settings) ApplyEnv() {
	if v := os.Getenv(EnvServerRoot); v != "" {
		s.Root = v
	}
}

var validate = validator.New()

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Field(), e.Tag(), e.Value())
	}
	return err
}

// Load reads the settings file at path. Missing fields keep their default.
//
// An empty path returns the defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // User-specified settings path
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Watch calls fn with the reloaded settings each time the file at path is
// written, until ctx is done. Invalid content is logged and skipped.
//
// The parent directory is watched so editors replacing the file are seen.
func Watch(ctx context.Context, path string, fn func(*Settings)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Name != abs || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			s, err := Load(abs)
			if err != nil {
				slog.WarnContext(ctx, "Ignoring settings", "path", abs, "err", err)
				continue
			}
			s.ApplyEnv()
			fn(s)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching settings", "err", err)
		}
	}
}
