package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShiftContainsWrapAroundWindow(t *testing.T) {
	t.Parallel()

	night := Shift{Name: "night", StartHour: 18, EndHour: 6, Capacity: 0.5}

	var matched []int
	for h := 0; h < 24; h++ {
		if night.Contains(h) {
			matched = append(matched, h)
		}
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 18, 19, 20, 21, 22, 23}, matched)
}

func TestShiftContainsPlainWindow(t *testing.T) {
	t.Parallel()

	day := Shift{Name: "day", StartHour: 9, EndHour: 17}

	assert.False(t, day.Contains(8))
	assert.True(t, day.Contains(9))
	assert.True(t, day.Contains(16))
	assert.False(t, day.Contains(17))
}

func TestShiftTriggerSpec(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0 18 * * *", Shift{StartHour: 18}.TriggerSpec())
	assert.Equal(t, "CRON_TZ=Europe/Moscow 0 18 * * *", Shift{StartHour: 18, Timezone: "Europe/Moscow"}.TriggerSpec())
	assert.Equal(t, "CRON_TZ=UTC 30 5 * * 1-5", Shift{Trigger: "30 5 * * 1-5", Timezone: "UTC"}.TriggerSpec())
}

func TestShiftValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Shift{Name: "ok", StartHour: 18, EndHour: 6, Capacity: 0.5}.Validate())
	assert.Error(t, Shift{Name: "", StartHour: 1, EndHour: 2}.Validate())
	assert.Error(t, Shift{Name: "x", StartHour: 3, EndHour: 3}.Validate())
	assert.Error(t, Shift{Name: "x", StartHour: 1, EndHour: 2, Capacity: 1.5}.Validate())
	assert.Error(t, Shift{Name: "x", StartHour: 1, EndHour: 2, Timezone: "Mars/Olympus"}.Validate())
}
