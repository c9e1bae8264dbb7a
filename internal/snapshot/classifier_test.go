package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleClassifier_Classify(t *testing.T) {
	c := NewRuleClassifier()

	tests := []struct {
		msg  string
		want Category
		ok   bool
	}{
		{"2026-03-01 10:00:00 ERROR url fetch failed: HTTP 403 Forbidden", CategoryBlocked, true},
		{"2026-03-01 10:00:00 WARNING too many requests, backing off", CategoryRateLimited, true},
		{"2026-03-01 10:00:00 ERROR connection reset by peer", CategoryURLFetchError, true},
		{"2026-03-01 10:00:00 INFO no titles found for 'some movie'", CategoryTitleMatchFailure, true},
		{"2026-03-01 10:00:00 ERROR model read error for item=abc", CategoryModelReadError, true},
		{"2026-03-01 10:00:00 INFO title found: 'some movie'", CategoryTitleFound, true},
		{"2026-03-01 10:00:00 DEBUG search for 'some movie'", CategorySearchOp, true},
		{"2026-03-01 10:00:00 DEBUG heartbeat ok", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got, ok := c.Classify(Event{Message: tt.msg})
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestPatternKey(t *testing.T) {
	a := PatternKey(`2026-03-01 10:00:01,123 ERROR (deadbeef01) url fetch failed for 'Movie A': 403`)
	b := PatternKey(`2026-03-02 11:30:45,999 ERROR (cafebabe02) url fetch failed for 'Movie B': 403`)
	assert.Equal(t, a, b)

	c := PatternKey(`2026-03-01 10:00:01 ERROR model read error`)
	assert.NotEqual(t, a, c)
}
