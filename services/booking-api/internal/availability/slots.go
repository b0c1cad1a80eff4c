package availability

import "time"

// FreeSlots returns the slots within workday where a booking of length duration, starting
// every step, would not overlap any busy interval. Slots starting before now are dropped.
//
// All times are expected to be in the same location (timezone).
func FreeSlots(workday Interval, duration, step time.Duration, busy []Interval, now time.Time) []Interval {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !workday.End.After(workday.Start) {
		return nil
	}

	var slots []Interval
	for t := workday.Start; !t.Add(duration).After(workday.End); t = t.Add(step) {
		if t.Before(now) {
			continue
		}
		slot := Interval{Start: t, End: t.Add(duration)}
		if !overlapsAny(slot, busy) {
			slots = append(slots, slot)
		}
	}
	return slots
}

func overlapsAny(slot Interval, busy []Interval) bool {
	for _, b := range busy {
		if slot.Overlaps(b) {
			return true
		}
	}
	return false
}

// Workday builds the UTC interval for date ("2006-01-02") between two "15:04" clock times.
func Workday(date, startClock, endClock string) (Interval, bool) {
	day, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return Interval{}, false
	}
	from, err := time.Parse("15:04", startClock)
	if err != nil {
		return Interval{}, false
	}
	to, err := time.Parse("15:04", endClock)
	if err != nil {
		return Interval{}, false
	}
	w := Interval{
		Start: time.Date(day.Year(), day.Month(), day.Day(), from.Hour(), from.Minute(), 0, 0, time.UTC),
		End:   time.Date(day.Year(), day.Month(), day.Day(), to.Hour(), to.Minute(), 0, 0, time.UTC),
	}
	if !w.End.After(w.Start) {
		return Interval{}, false
	}
	return w, true
}
