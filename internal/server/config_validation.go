// config_validation.go - Startup configuration checks. Every problem is
// collected and reported in one error.
package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Settings is the flat runtime configuration assembled by the command line
// layer from flags and FS_* environment variables.
type Settings struct {
	Addr            string
	DBDriver        string
	DBDSN           string
	UploadRoot      string
	ChunkSize       int
	MaxUploadBytes  int64
	UploadRateLimit int // uploads per minute per client IP, 0 disables
	TrustProxy      bool
	LogDir          string
	LogLevel        string
	LogFormat       string
	LogQueue        int
	Mirror          MirrorConfig
}

// ConfigValidationError represents a configuration validation error.
type ConfigValidationError struct {
	Field   string
	Message string
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// ConfigValidator validates application configuration.
type ConfigValidator struct {
	errors []ConfigValidationError
}

// NewConfigValidator creates a new configuration validator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{}
}

// AddError adds a validation error.
func (v *ConfigValidator) AddError(field, message string) {
	v.errors = append(v.errors, ConfigValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are validation errors.
func (v *ConfigValidator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *ConfigValidator) Errors() []ConfigValidationError {
	return v.errors
}

// ErrorString returns a formatted string of all errors.
func (v *ConfigValidator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidateRequired records an error when value is empty.
func (v *ConfigValidator) ValidateRequired(key, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(key, "required value not set")
	}
}

// ValidateListenAddr accepts ":8080", "host:8080" and "[::1]:8080".
func (v *ConfigValidator) ValidateListenAddr(key, value string) {
	if value == "" {
		return
	}
	_, portStr, err := net.SplitHostPort(value)
	if err != nil {
		v.AddError(key, "must be host:port or :port")
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}
	if port < 0 || port > 65535 {
		v.AddError(key, "port must be between 0 and 65535")
	}
}

// ValidateEnum validates that a value is one of allowed options.
func (v *ConfigValidator) ValidateEnum(key, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// ValidateNonNegative rejects negative sizes and limits.
func (v *ConfigValidator) ValidateNonNegative(key string, value int64) {
	if value < 0 {
		v.AddError(key, "must not be negative")
	}
}

// ValidateSettings checks s and returns a single error listing every problem.
func ValidateSettings(s Settings) error {
	v := NewConfigValidator()

	v.ValidateListenAddr("FS_ADDR", s.Addr)
	v.ValidateEnum("FS_DB_DRIVER", s.DBDriver, []string{"sqlite3", "pgx"})
	v.ValidateRequired("FS_DB_DSN", s.DBDSN)
	v.ValidateRequired("FS_UPLOAD_ROOT", s.UploadRoot)

	v.ValidateNonNegative("FS_CHUNK_SIZE", int64(s.ChunkSize))
	if s.ChunkSize > 64<<20 {
		v.AddError("FS_CHUNK_SIZE", "must not exceed 64 MiB")
	}
	v.ValidateNonNegative("FS_MAX_UPLOAD_BYTES", s.MaxUploadBytes)
	v.ValidateNonNegative("FS_UPLOAD_RATE_LIMIT", int64(s.UploadRateLimit))
	v.ValidateNonNegative("FS_LOG_QUEUE", int64(s.LogQueue))

	v.ValidateEnum("FS_LOG_FORMAT", s.LogFormat, []string{"", "json", "text"})
	v.ValidateEnum("FS_LOG_LEVEL", strings.ToLower(s.LogLevel), []string{"", "debug", "info", "warn", "error"})

	if s.Mirror.Enabled {
		v.ValidateRequired("FS_MIRROR_ENDPOINT", s.Mirror.Endpoint)
		v.ValidateRequired("FS_MIRROR_ACCESS_KEY", s.Mirror.AccessKey)
		v.ValidateRequired("FS_MIRROR_SECRET_KEY", s.Mirror.SecretKey)
		v.ValidateRequired("FS_MIRROR_BUCKET", s.Mirror.Bucket)
		if s.Mirror.Endpoint != "" {
			if _, _, err := normaliseEndpoint(s.Mirror.Endpoint); err != nil {
				v.AddError("FS_MIRROR_ENDPOINT", err.Error())
			}
		}
		if s.Mirror.Interval < time.Second {
			v.AddError("FS_MIRROR_INTERVAL", "must be at least 1s")
		}
	}

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}

// WarnOnOptionalSettings logs recommendations that do not block startup.
func WarnOnOptionalSettings(s Settings, logger *Logger) {
	var warnings []string

	if s.MaxUploadBytes == 0 {
		warnings = append(warnings, "FS_MAX_UPLOAD_BYTES not set - upload size is unlimited")
	}
	if s.UploadRateLimit == 0 {
		warnings = append(warnings, "FS_UPLOAD_RATE_LIMIT not set - uploads are not rate limited")
	}
	if !s.Mirror.Enabled {
		warnings = append(warnings, "FS_MIRROR_ENABLED not set - uploads live on local disk only")
	}

	if len(warnings) > 0 {
		logger.Info("configuration warnings", map[string]any{
			"count":    len(warnings),
			"warnings": strings.Join(warnings, "; "),
		})
	}
}
