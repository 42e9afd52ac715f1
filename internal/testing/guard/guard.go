// Package guard flips the process into test mode when imported, so binaries
// and helpers that check app.InTestMode skip their runtime side effects.
package guard

import "os"

const testModeEnv = "STOCKROOM_TEST_MODE"

func init() {
	if os.Getenv(testModeEnv) == "" {
		_ = os.Setenv(testModeEnv, "1")
	}
}
