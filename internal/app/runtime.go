package app

import (
	"os"
	"sync"
	"sync/atomic"
)

const testModeEnv = "STOCKROOM_TEST_MODE"

var (
	testMode     atomic.Bool
	loadTestMode = sync.OnceFunc(RefreshTestMode)
)

// InTestMode reports whether binaries should skip connecting to Postgres and Redis.
// The flag is read from STOCKROOM_TEST_MODE on first use.
func InTestMode() bool {
	loadTestMode()
	return testMode.Load()
}

// RefreshTestMode re-reads STOCKROOM_TEST_MODE after the environment changed.
func RefreshTestMode() {
	testMode.Store(os.Getenv(testModeEnv) == "1")
}
