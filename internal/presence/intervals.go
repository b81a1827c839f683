package presence

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// IntervalLedger folds online/offline/heartbeat events into merged
// [start,end] presence windows per driver. Two consecutive sessions closer
// than mergeGap collapse into one interval, so utilization reporting does not
// need every heartbeat row.
type IntervalLedger struct {
	mu       sync.Mutex
	byDriver map[string][]models.PresenceInterval
	mergeGap time.Duration
}

func NewIntervalLedger(mergeGap time.Duration) *IntervalLedger {
	return &IntervalLedger{byDriver: make(map[string][]models.PresenceInterval), mergeGap: mergeGap}
}

// Extend opens a new interval or stretches the latest one to at.
func (l *IntervalLedger) Extend(driverID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ivs := l.byDriver[driverID]
	if n := len(ivs); n > 0 {
		last := &ivs[n-1]
		if at.Sub(last.EndAt) < l.mergeGap {
			if at.After(last.EndAt) {
				last.EndAt = at
			}
			return
		}
	}
	l.byDriver[driverID] = append(ivs, models.PresenceInterval{DriverID: driverID, StartAt: at, EndAt: at})
}

// Intervals returns a copy of the merged windows for one driver, oldest first.
func (l *IntervalLedger) Intervals(driverID string) []models.PresenceInterval {
	l.mu.Lock()
	defer l.mu.Unlock()
	ivs := l.byDriver[driverID]
	out := make([]models.PresenceInterval, len(ivs))
	copy(out, ivs)
	return out
}

// OnlineSeconds sums interval lengths for a utilization report.
func (l *IntervalLedger) OnlineSeconds(driverID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total time.Duration
	for _, iv := range l.byDriver[driverID] {
		total += iv.EndAt.Sub(iv.StartAt)
	}
	return total.Seconds()
}
