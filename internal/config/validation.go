package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"irbridge/internal/input"
	"irbridge/internal/logging"
	"irbridge/internal/remote"
	"irbridge/internal/secret"
)

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if errs := ValidateConfig(c); errs.HasErrors() {
		return errs.Errors()
	}
	return nil
}

// ValidateConfig performs comprehensive validation of the configuration.
// Entries whose message starts with "warning:" do not fail Validate.
func ValidateConfig(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	if cfg.Version < 1 || cfg.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (supported: 1-%d)", cfg.Version, Version),
		})
	}

	errs = append(errs, validateSchema(cfg)...)
	errs = append(errs, validateInputs(cfg.Inputs)...)
	errs = append(errs, validateRepeat(&cfg.Repeat)...)

	reg, regErrs := validateRemotes(cfg.Remotes)
	errs = append(errs, regErrs...)
	errs = append(errs, validateSecretCodes(cfg.SecretCodes, reg)...)
	errs = append(errs, validateInputRemotes(cfg.Inputs, reg)...)

	errs = append(errs, validateReceiver(&cfg.Receiver)...)
	errs = append(errs, validateTV(&cfg.TV)...)
	errs = append(errs, validateJournal(&cfg.Journal)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateMetrics(&cfg.Metrics)...)

	return errs
}

func validateInputs(inputs []InputConfig) ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool)
	for i, in := range inputs {
		field := fmt.Sprintf("inputs[%d]", i)
		if in.Name != "" {
			if seen[in.Name] {
				errs = append(errs, ValidationError{Field: field + ".name", Message: "duplicate input name " + in.Name})
			}
			seen[in.Name] = true
		}

		switch in.Type {
		case "evdev":
			if in.Device == "" {
				errs = append(errs, RequiredFieldError(field+".device"))
			}
			if _, err := input.ParseMode(in.Mode); err != nil {
				errs = append(errs, ValidationError{Field: field + ".mode", Message: err.Error()})
			}
		case "terminal":
			if in.Grab {
				errs = append(errs, ValidationError{Field: field + ".grab", Message: "warning: grab has no effect on a terminal"})
			}
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".type",
				Message: fmt.Sprintf("unknown input type %q (expected evdev or terminal)", in.Type),
			})
		}
	}
	return errs
}

func validateRepeat(cfg *RepeatConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.BaseIntervalMs <= 0 {
		errs = append(errs, RangeError("repeat.base_interval_ms", 1, nil))
	}
	if cfg.FloorIntervalMs <= 0 {
		errs = append(errs, RangeError("repeat.floor_interval_ms", 1, nil))
	} else if cfg.FloorIntervalMs > cfg.BaseIntervalMs {
		errs = append(errs, ValidationError{
			Field:   "repeat.floor_interval_ms",
			Message: "must not exceed base_interval_ms",
		})
	}
	if cfg.AccelerationFactor <= 0 || cfg.AccelerationFactor >= 1 {
		errs = append(errs, ValidationError{
			Field:   "repeat.acceleration_factor",
			Message: fmt.Sprintf("must be between 0 and 1 exclusive, got %g", cfg.AccelerationFactor),
		})
	}
	if cfg.AccelerationAfter < 1 {
		errs = append(errs, RangeError("repeat.acceleration_after", 1, nil))
	}
	return errs
}

// validateRemotes builds the registry the daemon would build. A nil
// registry is returned when the remotes are invalid.
func validateRemotes(remotes []RemoteConfig) (*remote.Registry, ValidationErrors) {
	if len(remotes) == 0 {
		return nil, ValidationErrors{RequiredFieldError("remotes")}
	}

	cfg := Config{Remotes: remotes}
	reg, err := remote.NewRegistry(cfg.Profiles())
	if err != nil {
		return nil, ValidationErrors{{Field: "remotes", Message: err.Error()}}
	}

	var errs ValidationErrors
	for _, code := range reg.SharedKeycodes() {
		errs = append(errs, ValidationError{
			Field: "remotes",
			Message: fmt.Sprintf("warning: keycode %d is bound on %s; inputs without a remote drop it",
				code, strings.Join(reg.Ambiguous(code), ", ")),
		})
	}
	return reg, errs
}

func validateSecretCodes(codes []SecretCodeConfig, reg *remote.Registry) ValidationErrors {
	var errs ValidationErrors

	cfg := Config{SecretCodes: codes}
	if _, err := secret.NewDetector(cfg.Codes()); err != nil {
		errs = append(errs, ValidationError{Field: "secret_codes", Message: err.Error()})
	}
	if reg == nil {
		return errs
	}

	known := make(map[string]bool)
	for _, cmd := range reg.Commands() {
		known[cmd] = true
	}
	for i, code := range codes {
		field := fmt.Sprintf("secret_codes[%d]", i)
		for _, cmd := range code.Trigger {
			if !known[cmd] {
				errs = append(errs, ValidationError{
					Field:   field + ".trigger",
					Message: fmt.Sprintf("no remote produces %q", cmd),
				})
			}
		}
		if code.Escape != "" && !known[code.Escape] {
			errs = append(errs, ValidationError{
				Field:   field + ".escape",
				Message: fmt.Sprintf("no remote produces %q", code.Escape),
			})
		}
		for _, from := range sortedKeys(code.Remap) {
			if !known[from] {
				errs = append(errs, ValidationError{
					Field:   field + ".remap." + from,
					Message: "warning: no remote produces this command",
				})
			}
		}
	}
	return errs
}

func validateInputRemotes(inputs []InputConfig, reg *remote.Registry) ValidationErrors {
	if reg == nil {
		return nil
	}
	var errs ValidationErrors
	for i, in := range inputs {
		if in.Remote == "" {
			continue
		}
		if _, ok := reg.Profile(in.Remote); !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("inputs[%d].remote", i),
				Message: fmt.Sprintf("unknown remote %q", in.Remote),
			})
		}
	}
	return errs
}

func validateReceiver(cfg *ReceiverConfig) ValidationErrors {
	if !cfg.Enabled {
		return nil
	}
	var errs ValidationErrors
	if cfg.URL == "" {
		errs = append(errs, RequiredFieldError("receiver.url"))
	} else if !isValidURL(cfg.URL) && !isValidURL("http://"+cfg.URL) {
		errs = append(errs, ValidationError{Field: "receiver.url", Message: "invalid URL " + cfg.URL})
	}
	if cfg.StepDB < 1 || cfg.StepDB > 10 {
		errs = append(errs, RangeError("receiver.step_db", 1, 10))
	}
	if cfg.VolumeUp == "" && cfg.VolumeDown == "" && cfg.Mute == "" {
		errs = append(errs, ValidationError{Field: "receiver", Message: "warning: no commands routed to the receiver"})
	}
	return errs
}

func validateTV(cfg *TVConfig) ValidationErrors {
	if !cfg.Enabled {
		return nil
	}
	var errs ValidationErrors
	if cfg.Address == "" {
		errs = append(errs, RequiredFieldError("tv.address"))
	}
	if len(cfg.Keys) == 0 {
		errs = append(errs, ValidationError{Field: "tv.keys", Message: "warning: no commands routed to the TV"})
	}
	if cfg.ClientKey == "" && cfg.ClientKeyPath == "" {
		errs = append(errs, ValidationError{
			Field:   "tv.client_key_path",
			Message: "warning: pairing key will not be kept; the TV will prompt on every start",
		})
	}
	return errs
}

func validateJournal(cfg *JournalConfig) ValidationErrors {
	if !cfg.Enabled {
		return nil
	}
	var errs ValidationErrors
	if cfg.Path == "" {
		errs = append(errs, RequiredFieldError("journal.path"))
	}
	if cfg.RetentionDays < 0 {
		errs = append(errs, RangeError("journal.retention_days", 0, nil))
	}
	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(cfg.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if _, err := logging.ParseFormat(cfg.Format); err != nil {
		errs = append(errs, ValidationError{Field: "logging.format", Message: err.Error()})
	}

	switch cfg.Output {
	case "stdout", "stderr":
	case "file", "both":
		if cfg.FilePath == "" {
			errs = append(errs, RequiredFieldError("logging.file_path"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q (expected stdout, stderr, file or both)", cfg.Output),
		})
	}
	return errs
}

func validateMetrics(cfg *MetricsConfig) ValidationErrors {
	if !cfg.Enabled {
		return nil
	}
	var errs ValidationErrors
	if cfg.TextfilePath == "" {
		errs = append(errs, RequiredFieldError("metrics.textfile_path"))
	}
	if cfg.IntervalSec < 1 {
		errs = append(errs, RangeError("metrics.interval_sec", 1, nil))
	}
	return errs
}

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("irbridge-config.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("irbridge-config.json")
	})
	return schema, schemaErr
}

// validateSchema checks the structural shape of cfg against the bundled
// JSON schema.
func validateSchema(cfg *Config) ValidationErrors {
	s, err := compiledSchema()
	if err != nil {
		return ValidationErrors{{Field: "schema", Message: err.Error()}}
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return ValidationErrors{{Field: "schema", Message: err.Error()}}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return ValidationErrors{{Field: "schema", Message: err.Error()}}
	}

	err = s.Validate(instance)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return ValidationErrors{{Field: "schema", Message: err.Error()}}
	}

	var errs ValidationErrors
	for _, leaf := range leafCauses(ve) {
		errs = append(errs, ValidationError{Field: schemaField(leaf.InstanceLocation), Message: leaf.Message})
	}
	return errs
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

// schemaField turns a JSON pointer like /remotes/0/keys into remotes[0].keys.
func schemaField(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return "config"
	}
	var b strings.Builder
	for i, part := range strings.Split(pointer, "/") {
		if part != "" && strings.Trim(part, "0123456789") == "" {
			b.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsWarning reports whether the validation error is a warning.
func (e ValidationError) IsWarning() bool {
	return strings.HasPrefix(e.Message, "warning:")
}

// Warnings returns only the warnings.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			out = append(out, err)
		}
	}
	return out
}

// Errors returns only the errors, excluding warnings.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			out = append(out, err)
		}
	}
	return out
}

// HasErrors reports whether there are non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a missing field.
func RequiredFieldError(field string) ValidationError {
	return ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError creates a validation error for an out-of-range value. A nil
// bound is open.
func RangeError(field string, min, max any) ValidationError {
	var msg string
	switch {
	case min != nil && max != nil:
		msg = fmt.Sprintf("value must be between %v and %v", min, max)
	case min != nil:
		msg = fmt.Sprintf("value must be at least %v", min)
	default:
		msg = fmt.Sprintf("value must be at most %v", max)
	}
	return ValidationError{Field: field, Message: msg}
}
