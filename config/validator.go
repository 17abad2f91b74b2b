package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their dotted config key, so an error
// names cluster.node_id rather than Config.Cluster.NodeID.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := f.Tag.Get("mapstructure")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("env", validateEnvironment)
	_ = v.RegisterValidation("file_exists", validateFileExists)
	_ = v.RegisterValidation("host", validateHost)
	_ = v.RegisterValidation("hostport", validateHostPort)
	return v
}

// Environments are the accepted app.environment values.
var Environments = []string{"development", "staging", "production"}

// ConfigError is a validation failure of one config key.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors lists every failing key of one Config.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// Fields returns the failing keys in order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

// ValidateWithDetails validates tags and cross-field rules together and
// returns ValidationErrors on failure.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			details = append(details, ConfigError{
				Field:   configKey(fe.Namespace()),
				Message: describe(fe),
				Value:   fe.Value(),
			})
		}
	}
	details = append(details, cfg.crossCheck()...)
	if len(details) > 0 {
		return details
	}
	return nil
}

// configKey strips the root struct name from a validator namespace.
func configKey(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "env":
		return fmt.Sprintf("must be one of [%s]", strings.Join(Environments, " "))
	case "file_exists":
		return "must name an existing regular file"
	case "host":
		return "is not a valid host"
	case "hostport":
		return "must be host:port"
	default:
		return "failed validation: " + fe.Tag()
	}
}

func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	for _, valid := range Environments {
		if env == valid {
			return true
		}
	}
	return false
}

// validateFileExists accepts an empty path or the path of a regular file.
func validateFileExists(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	if path == "" {
		return true
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// validateHost accepts an empty host, a hostname, an IP address or
// host:port.
func validateHost(fl validator.FieldLevel) bool {
	return strings.IndexFunc(fl.Field().String(), func(c rune) bool {
		return !isValidHostChar(c)
	}) < 0
}

// validateHostPort accepts the address a node advertises to its peers.
func validateHostPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || port == "" {
		return false
	}
	return strings.IndexFunc(host, func(c rune) bool { return !isValidHostChar(c) }) < 0
}

func isValidHostChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == ':', c == '_':
		return true
	default:
		return false
	}
}
