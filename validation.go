package reqstats

import (
	"fmt"
	"net"
	"slices"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("multiple validation errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateGlobal()...)
	errs = append(errs, c.validateLogFile()...)
	errs = append(errs, c.validateReconnect()...)
	errs = append(errs, c.validateServers()...)
	errs = append(errs, c.validateInfluxDB()...)
	errs = append(errs, c.validatePrometheus()...)
	errs = append(errs, c.validateRedis()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func positive(field string, ok bool) ValidationErrors {
	if ok {
		return nil
	}
	return ValidationErrors{{Field: field, Message: "must be positive"}}
}

func (c *Config) validateGlobal() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, positive("global.poll_interval", c.Global.PollInterval.Duration > 0)...)
	errs = append(errs, positive("global.call_timeout", c.Global.CallTimeout.Duration > 0)...)
	errs = append(errs, positive("global.write_timeout", c.Global.WriteTimeout.Duration > 0)...)
	errs = append(errs, positive("global.retry_attempts", c.Global.RetryAttempts > 0)...)

	if c.Global.MaxInFlight < 0 {
		errs = append(errs, ValidationError{
			Field:   "global.max_in_flight",
			Message: "must not be negative",
		})
	}

	if c.Global.RetryDelay.Duration < 0 {
		errs = append(errs, ValidationError{
			Field:   "global.retry_delay",
			Message: "must not be negative",
		})
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Global.LogLevel)] {
		errs = append(errs, ValidationError{
			Field:   "global.log_level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	return errs
}

func (c *Config) validateLogFile() ValidationErrors {
	var errs ValidationErrors

	if c.LogFile.Path == "" {
		return errs
	}

	if c.LogFile.MaxSizeMB <= 0 {
		errs = append(errs, ValidationError{
			Field:   "log_file.max_size_mb",
			Message: "must be positive",
		})
	}
	if c.LogFile.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "log_file.max_backups",
			Message: "must not be negative",
		})
	}
	if c.LogFile.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "log_file.max_age_days",
			Message: "must not be negative",
		})
	}

	return errs
}

func (c *Config) validateReconnect() ValidationErrors {
	var errs ValidationErrors
	r := c.Reconnect

	errs = append(errs, positive("reconnect.initial_delay", r.InitialDelay.Duration > 0)...)
	errs = append(errs, positive("reconnect.dial_timeout", r.DialTimeout.Duration > 0)...)

	if r.MaxDelay.Duration < r.InitialDelay.Duration {
		errs = append(errs, ValidationError{
			Field:   "reconnect.max_delay",
			Message: "must not be less than initial_delay",
		})
	}
	if r.Factor <= 1 {
		errs = append(errs, ValidationError{
			Field:   "reconnect.factor",
			Message: "must be greater than 1",
		})
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		errs = append(errs, ValidationError{
			Field:   "reconnect.jitter",
			Message: "must be in [0, 1)",
		})
	}

	return errs
}

func (c *Config) validateServers() ValidationErrors {
	var errs ValidationErrors

	for _, t := range c.Targets() {
		field := "servers." + t.Name
		if t.Name == "" {
			errs = append(errs, ValidationError{Field: "servers", Message: "server name must not be empty"})
			continue
		}
		host, port, err := net.SplitHostPort(t.Address)
		if err != nil || host == "" || port == "" {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("address %q must be host:port", t.Address),
			})
		}
	}

	return errs
}

func (c *Config) validateInfluxDB() ValidationErrors {
	var errs ValidationErrors

	if !c.InfluxDB.Enabled {
		return errs
	}

	required := []struct {
		field string
		value string
	}{
		{"influxdb.url", c.InfluxDB.URL},
		{"influxdb.token", c.InfluxDB.Token},
		{"influxdb.org", c.InfluxDB.Org},
		{"influxdb.bucket", c.InfluxDB.Bucket},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, ValidationError{
				Field:   r.field,
				Message: "required when InfluxDB is enabled",
			})
		}
	}

	return errs
}

func (c *Config) validatePrometheus() ValidationErrors {
	var errs ValidationErrors

	if !c.Prometheus.Enabled {
		return errs
	}

	if c.Prometheus.Port <= 0 || c.Prometheus.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "prometheus.port",
			Message: "must be a valid port (1-65535)",
		})
	}

	if c.Prometheus.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "prometheus.path",
			Message: "required when Prometheus is enabled",
		})
	}

	if c.Prometheus.Path != "" && !strings.HasPrefix(c.Prometheus.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "prometheus.path",
			Message: "must start with /",
		})
	}

	buckets := c.Prometheus.Buckets
	if !slices.IsSorted(buckets) || len(slices.Compact(slices.Clone(buckets))) != len(buckets) {
		errs = append(errs, ValidationError{
			Field:   "prometheus.buckets",
			Message: "must be strictly increasing",
		})
	}

	return errs
}

func (c *Config) validateRedis() ValidationErrors {
	var errs ValidationErrors

	if !c.Redis.Enabled {
		return errs
	}

	if c.Redis.Address == "" {
		errs = append(errs, ValidationError{
			Field:   "redis.address",
			Message: "required when Redis is enabled",
		})
	}
	if c.Redis.Stream == "" {
		errs = append(errs, ValidationError{
			Field:   "redis.stream",
			Message: "required when Redis is enabled",
		})
	}
	if c.Redis.DB < 0 {
		errs = append(errs, ValidationError{
			Field:   "redis.db",
			Message: "must not be negative",
		})
	}
	if c.Redis.MaxLen < 0 {
		errs = append(errs, ValidationError{
			Field:   "redis.max_len",
			Message: "must not be negative",
		})
	}

	return errs
}
