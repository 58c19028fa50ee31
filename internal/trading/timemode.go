package trading

import (
	"time"

	"github.com/martin-bot/martin/internal/domain"
)

// TimeModeResolver classifies timestamps as DAY or NIGHT in the configured
// timezone. The day window may wrap past midnight.
type TimeModeResolver struct {
	location   *time.Location
	dayStart   int
	dayEnd     int
	hourSource func() (dayStart, dayEnd int)
}

func NewTimeModeResolver(timezone string, dayStart, dayEnd int) (*TimeModeResolver, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &TimeModeResolver{location: loc, dayStart: dayStart, dayEnd: dayEnd}, nil
}

// SetHourSource overrides the static day hours with a live source, so a
// runtime settings change moves the window without a restart.
func (r *TimeModeResolver) SetHourSource(fn func() (dayStart, dayEnd int)) {
	r.hourSource = fn
}

func (r *TimeModeResolver) hours() (int, int) {
	if r.hourSource != nil {
		return r.hourSource()
	}
	return r.dayStart, r.dayEnd
}

// Classify maps a unix timestamp to DAY or NIGHT. Equal start and end hours
// mean the day window covers the whole 24 hours.
func (r *TimeModeResolver) Classify(ts int64) domain.TimeMode {
	hour := time.Unix(ts, 0).In(r.location).Hour()
	dayStart, dayEnd := r.hours()

	var isDay bool
	switch {
	case dayStart == dayEnd:
		isDay = true
	case dayStart < dayEnd:
		isDay = hour >= dayStart && hour < dayEnd
	default:
		// Wrap-around window, e.g. 22 -> 06.
		isDay = hour >= dayStart || hour < dayEnd
	}

	if isDay {
		return domain.TimeModeDay
	}
	return domain.TimeModeNight
}

// DayEndTime returns the next moment the day window closes after ts, used by
// the end-of-day reminder. Returns zero time when the window never closes.
func (r *TimeModeResolver) DayEndTime(ts int64) time.Time {
	dayStart, dayEnd := r.hours()
	if dayStart == dayEnd {
		return time.Time{}
	}
	t := time.Unix(ts, 0).In(r.location)
	end := time.Date(t.Year(), t.Month(), t.Day(), dayEnd, 0, 0, 0, r.location)
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
