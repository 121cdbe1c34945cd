package config

import (
	"github.com/dashgate/dashgate/circuit"
)

const breakerUsage = `set the circuit breaker of the routes, e.g. failures=5,timeout=30s,half-open-requests=1
	failures: number of consecutive failures opening the breaker, 0 disables the breakers
	timeout: time an open breaker rejects the requests before going half-open
	half-open-requests: number of successful requests closing a half-open breaker`

type breakerFlags struct {
	circuit.BreakerSettings
}

func (b *breakerFlags) String() string {
	return b.BreakerSettings.String()
}

func (b *breakerFlags) Set(value string) error {
	s, err := circuit.ParseSettings(value)
	if err != nil {
		return err
	}

	b.BreakerSettings = s
	return nil
}

// UnmarshalYAML accepts the flag format as a string, or the settings as
// a mapping.
func (b *breakerFlags) UnmarshalYAML(unmarshal func(any) error) error {
	var value string
	if err := unmarshal(&value); err == nil {
		return b.Set(value)
	}

	var s circuit.BreakerSettings
	if err := unmarshal(&s); err != nil {
		return err
	}

	b.BreakerSettings = s
	return nil
}
