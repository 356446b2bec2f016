package artifacts

import (
	"errors"
	"fmt"
)

// Sentinel errors for publish failures.
var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// PublishError wraps a backend failure with the object it concerned.
type PublishError struct {
	Op      string
	Backend string
	Bucket  string
	Key     string
	Err     error
}

func (e *PublishError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Backend, e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Bucket, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConfigError reports an invalid sink configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "artifacts config: " + e.Field + ": " + e.Message
}
