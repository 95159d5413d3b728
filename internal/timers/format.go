package timers

import (
	"fmt"
	"time"
)

// FormatDuration renders milliseconds as mm:ss, or hh:mm:ss once an hour has elapsed.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	totalSeconds := ms / 1000
	seconds := totalSeconds % 60
	minutes := (totalSeconds / 60) % 60
	hours := totalSeconds / 3600
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// FormatClock renders an epoch-millisecond timestamp as a wall-clock time in loc.
func FormatClock(epochMs int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(epochMs).In(loc).Format(time.TimeOnly)
}
