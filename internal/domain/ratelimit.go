package domain

import "time"

// RateLimits — заявленные квоты для идентичности.
type RateLimits struct {
	PerMinute int `json:"per_minute" mapstructure:"per_minute"`
	PerHour   int `json:"per_hour" mapstructure:"per_hour"`
	PerDay    int `json:"per_day" mapstructure:"per_day"`
}

// DefaultRateLimits — значения, действующие до вызова SetLimits.
var DefaultRateLimits = RateLimits{PerMinute: 10, PerHour: 100, PerDay: 500}

// Valid проверяет, что лимиты не отрицательные.
func (l RateLimits) Valid() bool {
	return l.PerMinute >= 0 && l.PerHour >= 0 && l.PerDay >= 0
}

// RateWindow — окно учета запросов по паре (identity, action).
type RateWindow struct {
	Count     int       `json:"count"`
	WindowEnd time.Time `json:"window_end"`
}

// Quota — декларация квот (не живой остаток).
type Quota struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}
