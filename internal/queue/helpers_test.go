package queue

import (
	"testing"

	"github.com/runplane/runplane/internal/common/config"
	"github.com/runplane/runplane/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Owner:        "test-owner",
		LockMs:       60000,
		RetryDelayMs: 1,
		MaxAttempts:  3,
		DrainLimit:   10,
	}
}
