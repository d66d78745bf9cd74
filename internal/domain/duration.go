package domain

import "fmt"

// FormatSeconds renders a call duration as mm:ss, or h:mm:ss from one hour on.
func FormatSeconds(total int64) string {
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
