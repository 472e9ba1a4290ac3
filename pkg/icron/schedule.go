package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerInfo struct {
	Next       time.Time
	Last       time.Time
	Expression string

	TimeSinceLast time.Duration
	TimeUntilNext time.Duration
}

// GetTriggerInfo reports when cronExpr (standard five-field syntax or a
// descriptor such as "@every 30s") last fired and will fire next relative
// to refTime. Last is found by stepping back a minute at a time for a day
// and an hour at a time for a year after that; it stays zero when nothing
// fired in that window.
func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       schedule.Next(refTime),
		Last:       lastTrigger(schedule, refTime),
	}
	if !info.Last.IsZero() {
		info.TimeSinceLast = refTime.Sub(info.Last)
	}
	info.TimeUntilNext = info.Next.Sub(refTime)
	return info, nil
}

func lastTrigger(schedule cron.Schedule, refTime time.Time) time.Time {
	check := refTime
	for i := range 24*60 + 366*24 {
		step := time.Minute
		if i >= 24*60 {
			step = time.Hour
		}
		check = check.Add(-step)
		if candidate := schedule.Next(check); !candidate.After(refTime) {
			return candidate
		}
	}
	return time.Time{}
}
