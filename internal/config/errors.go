package config

import "fmt"

// ConfigurationError reports an unusable upstream or CORS setting. It is fatal
// at startup; during a reload the previous snapshot stays in effect.
type ConfigurationError struct {
	Key    string // env var or file that carried the bad value
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
