package wpactrl_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine outlives its test: every client reader
// and fake controller must shut down cleanly.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
