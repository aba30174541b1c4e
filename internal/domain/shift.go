package domain

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // зоны смен не должны зависеть от tzdata хоста
)

// Shift: именованное окно суток с долей общей емкости.
type Shift struct {
	Name      string  `json:"name" mapstructure:"name"`
	StartHour int     `json:"start_hour" mapstructure:"start_hour"`
	EndHour   int     `json:"end_hour" mapstructure:"end_hour"` // не включительно; 24 == полночь
	Capacity  float64 `json:"capacity" mapstructure:"capacity"` // 0.0–1.0
	Timezone  string  `json:"timezone" mapstructure:"timezone"`
	Trigger   string  `json:"trigger" mapstructure:"trigger"` // cron-выражение момента старта смены
}

// Wraps: окно переходит через полночь (18–06).
func (s Shift) Wraps() bool {
	return s.StartHour > s.EndHour
}

// Contains реализует правило попадания часа в окно:
// обычное окно start <= h < end, с переходом через полночь h >= start || h < end.
func (s Shift) Contains(hour int) bool {
	if s.Wraps() {
		return hour >= s.StartHour || hour < s.EndHour
	}
	return hour >= s.StartHour && hour < s.EndHour
}

// Location возвращает зону смены, пустая зона: UTC.
func (s Shift) Location() (*time.Location, error) {
	if strings.TrimSpace(s.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("shift %s: load timezone %q: %w", s.Name, s.Timezone, err)
	}
	return loc, nil
}

// TriggerSpec: cron-спецификация запуска смены с учетом зоны.
func (s Shift) TriggerSpec() string {
	expr := strings.TrimSpace(s.Trigger)
	if expr == "" {
		expr = fmt.Sprintf("0 %d * * *", s.StartHour%24)
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + tz + " " + expr
	}
	return expr
}

func (s Shift) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("shift name is required")
	}
	if s.StartHour < 0 || s.StartHour > 23 {
		return fmt.Errorf("shift %s: start_hour %d out of range", s.Name, s.StartHour)
	}
	if s.EndHour < 0 || s.EndHour > 24 {
		return fmt.Errorf("shift %s: end_hour %d out of range", s.Name, s.EndHour)
	}
	if s.StartHour == s.EndHour {
		return fmt.Errorf("shift %s: empty window", s.Name)
	}
	if s.Capacity < 0 || s.Capacity > 1 {
		return fmt.Errorf("shift %s: capacity %.2f out of range", s.Name, s.Capacity)
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	return nil
}

// CapacityLimits: лимиты системы из конфигурации.
type CapacityLimits struct {
	TotalCapacity  int `json:"total_capacity"`
	PerEndpointMax int `json:"per_endpoint_max"`
	EvictAfter     int `json:"evict_after"`
}
