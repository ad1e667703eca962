package upstream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	boom := errors.New("timeout")
	tests := []struct {
		name    string
		status  int
		err     error
		attempt int
		want    Verdict
	}{
		{"ok", 200, nil, 1, Verdict{Decision: Succeed}},
		{"created", 201, nil, 3, Verdict{Decision: Succeed}},
		{"quota first", 429, nil, 1, Verdict{Decision: RetryWithDelay, Delay: time.Second}},
		{"quota second", 429, nil, 2, Verdict{Decision: RetryWithDelay, Delay: 2 * time.Second}},
		{"quota last", 429, nil, 3, Verdict{Decision: Terminal}},
		{"unauthorized", 401, nil, 1, Verdict{Decision: RetryImmediately}},
		{"forbidden", 403, nil, 2, Verdict{Decision: RetryImmediately}},
		{"forbidden last", 403, nil, 3, Verdict{Decision: Terminal}},
		{"not found", 404, nil, 1, Verdict{Decision: Terminal}},
		{"server error", 500, nil, 1, Verdict{Decision: Terminal}},
		{"redirect", 302, nil, 1, Verdict{Decision: Terminal}},
		{"transport first", 0, boom, 1, Verdict{Decision: RetryWithDelay, Delay: time.Second}},
		{"transport second", 0, boom, 2, Verdict{Decision: RetryWithDelay, Delay: 2 * time.Second}},
		{"transport last", 0, boom, 3, Verdict{Decision: Terminal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, tt.err, tt.attempt, DefaultMaxAttempts, DefaultRetryDelay))
		})
	}
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "success", outcomeLabel(204, nil))
	assert.Equal(t, "quota", outcomeLabel(429, nil))
	assert.Equal(t, "auth", outcomeLabel(401, nil))
	assert.Equal(t, "auth", outcomeLabel(403, nil))
	assert.Equal(t, "other", outcomeLabel(500, nil))
	assert.Equal(t, "transport_error", outcomeLabel(0, errors.New("x")))
}
