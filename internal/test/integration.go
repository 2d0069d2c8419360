package test

import (
	"os"
	"testing"
)

// IntegrationEnv enables tests that need external infrastructure, such as a Docker daemon.
const IntegrationEnv = "PROCBRIDGE_INTEGRATION"

// Integration skips t unless IntegrationEnv is set.
func Integration(t *testing.T) {
	t.Helper()
	if testing.Short() || os.Getenv(IntegrationEnv) == "" {
		t.Skipf("skipping integration test, set %s=1 to run", IntegrationEnv)
	}
}
