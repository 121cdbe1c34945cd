/*
Package circuit implements circuit breakers for the routes of the proxy.

The breaker opens when the proxy couldn't connect to the backend of a
route, or received a >=500 status code from it, at least N times in a row,
where N is the configured number of failures. When open, the proxy returns
503 - Service Unavailable during the configured timeout. After this
timeout, the breaker goes into half-open state, where it expects that M
number of requests succeed. If any of them fails, the breaker goes back to
open state. If all succeed, it goes to closed state again.

Every route has its own breaker. Breakers are dropped together with the
proxy handlers when the route table changes.
*/
package circuit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultHalfOpenRequests = 1
)

// BreakerSettings contains the settings of the circuit breakers.
type BreakerSettings struct {
	Failures         int           `yaml:"failures"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenRequests int           `yaml:"half-open-requests"`
}

// Enabled tells whether breakers should be created with the settings.
func (s BreakerSettings) Enabled() bool {
	return s.Failures > 0
}

// String returns the string representation of the settings, in the
// same format as the command line flag.
func (s BreakerSettings) String() string {
	var ss []string
	if s.Failures > 0 {
		ss = append(ss, "failures="+strconv.Itoa(s.Failures))
	}

	if s.Timeout > 0 {
		ss = append(ss, "timeout="+s.Timeout.String())
	}

	if s.HalfOpenRequests > 0 {
		ss = append(ss, "half-open-requests="+strconv.Itoa(s.HalfOpenRequests))
	}

	return strings.Join(ss, ",")
}

// ParseSettings parses settings in the form of
// failures=5,timeout=30s,half-open-requests=1.
func ParseSettings(value string) (BreakerSettings, error) {
	var s BreakerSettings
	if value == "" {
		return s, nil
	}

	for _, kv := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return s, fmt.Errorf("invalid breaker setting: %s", kv)
		}

		var err error
		switch strings.TrimSpace(k) {
		case "failures":
			s.Failures, err = strconv.Atoi(v)
		case "timeout":
			s.Timeout, err = time.ParseDuration(v)
		case "half-open-requests":
			s.HalfOpenRequests, err = strconv.Atoi(v)
		default:
			return s, fmt.Errorf("invalid breaker setting: %s", k)
		}

		if err != nil {
			return s, fmt.Errorf("invalid value for breaker setting %s: %w", k, err)
		}
	}

	return s, nil
}

// Breaker is a consecutive failures circuit breaker.
type Breaker struct {
	settings BreakerSettings
	gb       *gobreaker.TwoStepCircuitBreaker
}

// NewBreaker creates a breaker. The name is used in the logs.
func NewBreaker(name string, s BreakerSettings) *Breaker {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}

	if s.HalfOpenRequests <= 0 {
		s.HalfOpenRequests = DefaultHalfOpenRequests
	}

	b := &Breaker{settings: s}
	b.gb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(s.HalfOpenRequests),
		Timeout:     s.Timeout,
		ReadyToTrip: b.readyToTrip,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Infof("circuit breaker %v went from %v to %v", name, from.String(), to.String())
		},
	})

	return b
}

func (b *Breaker) readyToTrip(c gobreaker.Counts) bool {
	return int(c.ConsecutiveFailures) >= b.settings.Failures
}

// Allow returns true when the breaker is closed or half-open and lets
// the request through. Then the returned done function needs to be
// called with the outcome of the request.
func (b *Breaker) Allow() (func(bool), bool) {
	done, err := b.gb.Allow()

	// this error can only indicate that the breaker is not closed
	if err != nil {
		return nil, false
	}

	return done, true
}

// Closed tells whether the breaker lets requests through without limit.
func (b *Breaker) Closed() bool {
	return b.gb.State() == gobreaker.StateClosed
}
