package testhelpers

import (
	"github.com/rpcfleet/rpc_router/internal/config"
)

// NewTestHealthCheckConfig creates a health-check configuration with
// tight timings suitable for unit tests.
func NewTestHealthCheckConfig(failThreshold, successThreshold int) config.HealthCheckConfig {
	return config.HealthCheckConfig{
		IntervalSecs:                  1,
		TimeoutSecs:                   1,
		Method:                        "getHealth",
		ConsecutiveFailuresThreshold:  failThreshold,
		ConsecutiveSuccessesThreshold: successThreshold,
	}
}
