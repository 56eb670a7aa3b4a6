package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCronRejectsMalformed(t *testing.T) {
	for _, expr := range []string{"", "* * *", "61 * * * *", "* 25 * * *", "*/0 * * * *", "5-1 * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, "expr %q should not parse", expr)
	}
}

func TestCronMatches(t *testing.T) {
	tests := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"0 */6 * * *", time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC), true},
		{"0 */6 * * *", time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC), false},
		{"0 2 * * *", time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), true},
		{"0 3 * * 1", time.Date(2026, 3, 9, 3, 0, 0, 0, time.UTC), true}, // a Monday
		{"0 3 * * 1", time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC), false},
		{"0 3 1 * *", time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC), true},
		{"15,45 9-17 * * *", time.Date(2026, 3, 10, 12, 45, 0, 0, time.UTC), true},
		{"15,45 9-17 * * *", time.Date(2026, 3, 10, 18, 15, 0, 0, time.UTC), false},
	}
	for _, tc := range tests {
		spec, err := ParseCron(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, spec.Matches(tc.at), "%s at %s", tc.expr, tc.at)
	}
}

func TestCronNext(t *testing.T) {
	spec, err := ParseCron("0 */6 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 3, 10, 5, 30, 0, 0, time.UTC)
	next, ok := spec.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC), next)

	// Strictly after: asking from an exact match advances to the next slot.
	next2, ok := spec.Next(next)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), next2)
}

func TestCronNextMonthly(t *testing.T) {
	spec, err := ParseCron("0 3 1 * *")
	require.NoError(t, err)

	next, ok := spec.Next(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC), next)
}

func TestEvalWhen(t *testing.T) {
	ctx := CadenceContext{ConsecutiveFailures: 4, CriticalFindings: 2, DaysSinceLastRun: 9}

	assert.True(t, EvalWhen("consecutive_failures >= 3", ctx))
	assert.True(t, EvalWhen("critical_findings > 1", ctx))
	assert.False(t, EvalWhen("critical_findings > 5", ctx))
	assert.True(t, EvalWhen("days_since_last_run != 0", ctx))

	assert.False(t, EvalWhen("", ctx))
	assert.False(t, EvalWhen("unknown_var > 1", ctx))
	assert.False(t, EvalWhen("critical_findings >", ctx))
	assert.False(t, EvalWhen("critical_findings ~ 1", ctx))
}
