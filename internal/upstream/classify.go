package upstream

import (
	"net/http"
	"time"
)

type Decision int

const (
	Succeed Decision = iota
	RetryWithDelay
	RetryImmediately
	Terminal
)

func (d Decision) String() string {
	switch d {
	case Succeed:
		return "succeed"
	case RetryWithDelay:
		return "retry_with_delay"
	case RetryImmediately:
		return "retry_immediately"
	default:
		return "terminal"
	}
}

type Verdict struct {
	Decision Decision
	Delay    time.Duration
}

// Classify decides what to do after attempt (1-based) of maxAttempts finished
// with status or err. Quota rejections and transport errors back off
// linearly (retryDelay * attempt); authorization failures retry at once with
// another key; every other status is final.
func Classify(status int, err error, attempt, maxAttempts int, retryDelay time.Duration) Verdict {
	remaining := attempt < maxAttempts
	switch {
	case err != nil:
		if remaining {
			return Verdict{Decision: RetryWithDelay, Delay: retryDelay * time.Duration(attempt)}
		}
		return Verdict{Decision: Terminal}
	case status >= 200 && status < 300:
		return Verdict{Decision: Succeed}
	case status == http.StatusTooManyRequests:
		if remaining {
			return Verdict{Decision: RetryWithDelay, Delay: retryDelay * time.Duration(attempt)}
		}
		return Verdict{Decision: Terminal}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if remaining {
			return Verdict{Decision: RetryImmediately}
		}
		return Verdict{Decision: Terminal}
	default:
		return Verdict{Decision: Terminal}
	}
}

// credentialFault reports whether status says the presented key is at fault,
// and names the reason.
func credentialFault(status int) (string, bool) {
	switch status {
	case http.StatusTooManyRequests:
		return "quota", true
	case http.StatusUnauthorized, http.StatusForbidden:
		return "auth", true
	}
	return "", false
}

func outcomeLabel(status int, err error) string {
	if err != nil {
		return "transport_error"
	}
	if status >= 200 && status < 300 {
		return "success"
	}
	if reason, ok := credentialFault(status); ok {
		return reason
	}
	return "other"
}
