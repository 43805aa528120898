package governor

import (
	"math"
	"sync"
	"time"

	"github.com/p-blackswan/chat-gateway/internal/config"
)

// withinBusinessHours applies the configured fixed UTC offset and checks the
// local hour against the inclusive [start, end] window.
func withinBusinessHours(p config.Policy, utcOffsetHours int, now time.Time) bool {
	hour := (now.UTC().Hour() + utcOffsetHours + 24) % 24
	return hour >= p.BusinessHourStart && hour <= p.BusinessHourEnd
}

// dynamicDailyCap ramps the per-day send cap linearly from base to max over
// the warm-up window measured from session start.
func dynamicDailyCap(p config.Policy, startedAt, now time.Time) int {
	days := int(now.Sub(startedAt).Hours() / 24)
	if days < 1 {
		days = 1
	}
	factor := float64(days) / float64(p.WarmupDays)
	if factor > 1 {
		factor = 1
	}
	return int(math.Round(float64(p.DailyCapBase) + float64(p.DailyCapMax-p.DailyCapBase)*factor))
}

type dailyCounter struct {
	dateKey string
	count   int
}

// DailyCounters tracks per-session send counts, reset when the calendar
// date changes.
type DailyCounters struct {
	mu       sync.Mutex
	counters map[string]*dailyCounter
}

// NewDailyCounters creates an empty counter set.
func NewDailyCounters() *DailyCounters {
	return &DailyCounters{counters: make(map[string]*dailyCounter)}
}

// Consume increments the session's counter for today and reports whether it
// was still under the limit before the increment. Denied attempts do not
// count against the cap.
func (d *DailyCounters) Consume(sessionID string, limit int, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := now.UTC().Format("2006-01-02")
	cur, ok := d.counters[sessionID]
	if !ok || cur.dateKey != key {
		cur = &dailyCounter{dateKey: key}
		d.counters[sessionID] = cur
	}
	if cur.count >= limit {
		return false
	}
	cur.count++
	return true
}

// Count returns today's count for a session.
func (d *DailyCounters) Count(sessionID string, now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.counters[sessionID]
	if !ok || cur.dateKey != now.UTC().Format("2006-01-02") {
		return 0
	}
	return cur.count
}

// Sweep removes counters whose date key is not today's.
func (d *DailyCounters) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := now.UTC().Format("2006-01-02")
	n := 0
	for sid, cur := range d.counters {
		if cur.dateKey != key {
			delete(d.counters, sid)
			n++
		}
	}
	return n
}
