package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
)

type staticSource struct {
	shifts []domain.Shift
	err    error
}

func (s staticSource) LoadShiftPolicy(ctx context.Context) ([]domain.Shift, error) {
	return s.shifts, s.err
}

func at(hour int) time.Time {
	return time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC)
}

func TestDefaultShiftsCoverEveryHourExactlyOnce(t *testing.T) {
	t.Parallel()

	shifts := DefaultShifts()
	for h := 0; h < 24; h++ {
		matches := 0
		for _, sh := range shifts {
			if sh.Contains(h) {
				matches++
			}
		}
		assert.Equal(t, 1, matches, "hour %d", h)
	}
}

func TestRefreshFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	cases := map[string]ShiftSource{
		"error": staticSource{err: errors.New("boom")},
		"empty": staticSource{},
		"nil":   nil,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			p := NewShiftPolicy(src, "", zap.NewNop())
			require.NoError(t, p.Refresh(context.Background()))
			assert.True(t, p.UsingDefaults())
			assert.Equal(t, "afternoon", p.Current(at(14)).Shift.Name)
		})
	}
}

func TestCurrentHandlesWrapAroundWindow(t *testing.T) {
	t.Parallel()

	p := NewShiftPolicy(staticSource{shifts: []domain.Shift{
		{Name: "day", StartHour: 6, EndHour: 18, Capacity: 1},
		{Name: "overnight", StartHour: 18, EndHour: 6, Capacity: 0.5},
	}}, "", zap.NewNop())
	require.NoError(t, p.Refresh(context.Background()))
	require.False(t, p.UsingDefaults())

	for h := 0; h < 24; h++ {
		res := p.Current(at(h))
		require.True(t, res.Matched, "hour %d", h)
		if h >= 18 || h < 6 {
			assert.Equal(t, "overnight", res.Shift.Name, "hour %d", h)
		} else {
			assert.Equal(t, "day", res.Shift.Name, "hour %d", h)
		}
	}
	assert.Empty(t, p.Gaps())
}

func TestCurrentFallsBackOnGap(t *testing.T) {
	t.Parallel()

	p := NewShiftPolicy(staticSource{shifts: []domain.Shift{
		{Name: "work", StartHour: 9, EndHour: 17, Capacity: 1},
		{Name: "late", StartHour: 17, EndHour: 22, Capacity: 0.4},
	}}, "late", zap.NewNop())
	require.NoError(t, p.Refresh(context.Background()))

	res := p.Current(at(3))
	assert.False(t, res.Matched)
	assert.Equal(t, "late", res.Shift.Name)
	assert.Contains(t, p.Gaps(), 3)
	assert.NotContains(t, p.Gaps(), 10)
}

func TestCurrentUsesShiftTimezone(t *testing.T) {
	t.Parallel()

	p := NewShiftPolicy(staticSource{shifts: []domain.Shift{
		{Name: "tokyo-day", StartHour: 9, EndHour: 21, Capacity: 1, Timezone: "Asia/Tokyo"},
		{Name: "tokyo-night", StartHour: 21, EndHour: 9, Capacity: 0.1, Timezone: "Asia/Tokyo"},
	}}, "", zap.NewNop())
	require.NoError(t, p.Refresh(context.Background()))

	// 01:30 UTC == 10:30 JST
	assert.Equal(t, "tokyo-day", p.Current(at(1)).Shift.Name)
	// 13:30 UTC == 22:30 JST
	assert.Equal(t, "tokyo-night", p.Current(at(13)).Shift.Name)
}

func TestRefreshRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	p := NewShiftPolicy(staticSource{shifts: []domain.Shift{
		{Name: "x", StartHour: 0, EndHour: 24, Capacity: 1, Timezone: "Mars/Olympus"},
	}}, "", zap.NewNop())
	require.NoError(t, p.Refresh(context.Background()))
	assert.True(t, p.UsingDefaults())
}
