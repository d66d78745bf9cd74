package signaling

import "time"

// ToSeconds converts a millisecond timestamp to seconds. It floors, also
// for negative values.
func ToSeconds(ms int64) int64 {
	s := ms / 1000
	if ms%1000 < 0 {
		s--
	}
	return s
}

// UnixSeconds floors t to whole seconds since the epoch.
func UnixSeconds(t time.Time) int64 {
	return ToSeconds(t.UnixMilli())
}
