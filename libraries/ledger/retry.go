package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/logger"
)

type RetryConfig struct {
	Timeout  time.Duration
	MaxDelay time.Duration
}

// RetryWithBackoff retries fn on retriable errors with exponential delay
// until the timeout deadline. Non-retriable errors return immediately.
func RetryWithBackoff(cfg RetryConfig, name string, fn func() error) error {
	deadline := time.Now().Add(cfg.Timeout)
	attempt := 0

	for time.Now().Before(deadline) {
		err := fn()
		if err == nil {
			return nil
		}

		if !IsRetriableError(err) {
			return err
		}

		attempt++
		remaining := time.Until(deadline)

		if remaining > 0 {
			delay := time.Duration(1<<uint(min(attempt-1, 5))) * time.Second
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			if delay > remaining {
				delay = remaining
			}

			logger.Printf("ledger", "%s attempt %d failed: %v. Retrying in %v... (%v remaining)",
				name, attempt, err, delay, remaining.Round(time.Second))
			time.Sleep(delay)
		}
	}

	return fmt.Errorf("%s failed after %v timeout", name, cfg.Timeout)
}

func IsRetriableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retriable := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network is unreachable",
		"timeout",
		"no such host",
		"i/o timeout",
		"too many requests",
		"limit exceeded",
		"unexpected eof",
	}

	for _, pattern := range retriable {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
