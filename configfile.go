package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Duration is a `time.Duration` written as a Go duration string
// (e.g. `30s`) in configuration files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(buf []byte) error {
	var raw string
	if err := json.Unmarshal(buf, &raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// FileConfig is the on-disk form of the pool configuration.
//
//	strategy: least_loaded
//	maxRetries: 3
//	requestTimeout: 10m
//	services:
//	  security-analyzer:
//	  - 10.0.0.1:2005
//	  - 10.0.0.2:2005
type FileConfig struct {
	Strategy             Strategy            `json:"strategy,omitempty"`
	HealthCheckInterval  *Duration           `json:"healthCheckInterval,omitempty"`
	MaxRetries           *int                `json:"maxRetries,omitempty"`
	RequestTimeout       *Duration           `json:"requestTimeout,omitempty"`
	ConnectionTimeout    *Duration           `json:"connectionTimeout,omitempty"`
	MessageTimeout       *Duration           `json:"messageTimeout,omitempty"`
	FailureThreshold     *int                `json:"failureThreshold,omitempty"`
	UnhealthyCooldown    *Duration           `json:"unhealthyCooldown,omitempty"`
	RetryBackoff         *Duration           `json:"retryBackoff,omitempty"`
	HealthOpenTimeout    *Duration           `json:"healthOpenTimeout,omitempty"`
	HealthReceiveTimeout *Duration           `json:"healthReceiveTimeout,omitempty"`
	Services             map[string][]string `json:"services,omitempty"`
}

// ParseConfig decodes a YAML (or JSON) document. Unknown fields are
// rejected.
func ParseConfig(buf []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.UnmarshalStrict(buf, &fc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return &fc, nil
}

// LoadConfigFile reads and decodes the file at `path`.
func LoadConfigFile(path string) (*FileConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(buf)
}

// Options turns the file into options for `Create`. Fields absent from the
// file keep their defaults.
func (fc *FileConfig) Options() []Option {
	var opts []Option
	if fc.Strategy != "" {
		opts = append(opts, WithStrategy(fc.Strategy))
	}
	if fc.MaxRetries != nil {
		opts = append(opts, WithMaxRetries(*fc.MaxRetries))
	}
	if fc.FailureThreshold != nil {
		opts = append(opts, WithFailureThreshold(*fc.FailureThreshold))
	}

	durations := []struct {
		value *Duration
		apply func(time.Duration) Option
	}{
		{fc.HealthCheckInterval, WithHealthCheckInterval},
		{fc.RequestTimeout, WithRequestTimeout},
		{fc.ConnectionTimeout, WithConnectionTimeout},
		{fc.MessageTimeout, WithMessageTimeout},
		{fc.UnhealthyCooldown, WithUnhealthyCooldown},
		{fc.RetryBackoff, WithRetryBackoff},
	}
	for _, d := range durations {
		if d.value != nil {
			opts = append(opts, d.apply(d.value.Duration))
		}
	}

	if fc.HealthOpenTimeout != nil || fc.HealthReceiveTimeout != nil {
		defaults := DefaultPoolConfig()
		open, receive := defaults.HealthOpenTimeout, defaults.HealthReceiveTimeout
		if fc.HealthOpenTimeout != nil {
			open = fc.HealthOpenTimeout.Duration
		}
		if fc.HealthReceiveTimeout != nil {
			receive = fc.HealthReceiveTimeout.Duration
		}
		opts = append(opts, WithHealthCheckTimeouts(open, receive))
	}

	if len(fc.Services) > 0 {
		opts = append(opts, WithEndpointMap(fc.Services))
	}
	return opts
}
