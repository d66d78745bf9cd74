// Package clock provides the wall-clock core.Scheduler.
package clock

import (
	"time"

	"github.com/dkeye/Calling/internal/core"
)

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) core.Timer {
	return time.AfterFunc(d, fn)
}
