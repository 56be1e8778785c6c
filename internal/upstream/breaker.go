package upstream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/cep21/circuit/v3"
	"github.com/cep21/circuit/v3/closers/hystrix"
)

// BreakerConfig tunes the per-upstream circuit breaker
type BreakerConfig struct {
	// RequestVolumeThreshold is the minimum number of requests in the rolling
	// window before the breaker may trip.
	RequestVolumeThreshold int64
	// ErrorThresholdPercentage of failed requests that trips the breaker.
	ErrorThresholdPercentage int64
	// SleepWindow is how long the breaker stays open before a trial request.
	SleepWindow time.Duration
	// Timeout bounds the wait for response headers on the default transport.
	// Body streaming is not bounded.
	Timeout time.Duration
}

// DefaultBreakerConfig: 50% of at least 20 requests must fail to trip, then 5s open.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		RequestVolumeThreshold:   20,
		ErrorThresholdPercentage: 50,
		SleepWindow:              5 * time.Second,
		Timeout:                  30 * time.Second,
	}
}

// breakerRoundTripper wraps a RoundTripper with circuit-breaking logic. Transport
// errors and 5xx responses count as failures; 5xx responses are still returned
// to the caller unchanged.
type breakerRoundTripper struct {
	next    http.RoundTripper
	circuit *circuit.Circuit
}

func newBreakerRoundTripper(name string, next http.RoundTripper, cfg BreakerConfig) (*breakerRoundTripper, error) {
	manager := circuit.Manager{}
	c, err := manager.CreateCircuit(name, circuit.Config{
		General: circuit.GeneralConfig{
			OpenToClosedFactory: hystrix.CloserFactory(hystrix.ConfigureCloser{
				SleepWindow: cfg.SleepWindow,
			}),
			ClosedToOpenFactory: hystrix.OpenerFactory(hystrix.ConfigureOpener{
				RequestVolumeThreshold:   cfg.RequestVolumeThreshold,
				ErrorThresholdPercentage: cfg.ErrorThresholdPercentage,
			}),
		},
		Execution: circuit.ExecutionConfig{
			Timeout:               cfg.Timeout,
			MaxConcurrentRequests: math.MaxInt32,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create circuit %q: %w", name, err)
	}
	return &breakerRoundTripper{next: next, circuit: c}, nil
}

var errUpstreamFailure = errors.New("upstream failure")

// RoundTrip completes the round trip inside the circuit.
func (b *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var requestErr error
	run := func(_ context.Context) error {
		// ctx is cancelled when Execute returns, which would cut off the
		// streamed body, so the request keeps its own context.
		resp, requestErr = b.next.RoundTrip(req)
		if requestErr != nil {
			if errors.Is(requestErr, context.Canceled) {
				// The client hung up; that says nothing about upstream health.
				return circuit.SimpleBadRequest{Err: requestErr}
			}
			return requestErr
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errUpstreamFailure
		}
		return nil
	}

	if cbErr := b.circuit.Execute(req.Context(), run, nil); cbErr != nil {
		var circuitErr circuit.Error
		if errors.As(cbErr, &circuitErr) {
			if resp != nil {
				_ = resp.Body.Close()
			}
			return nil, cbErr
		}
		return resp, requestErr
	}
	return resp, nil
}

// isCircuitOpen reports whether err means the breaker rejected the request
func isCircuitOpen(err error) bool {
	var circuitErr circuit.Error
	return errors.As(err, &circuitErr) && circuitErr.CircuitOpen()
}
