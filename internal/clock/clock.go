package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall-clock time so ledger timestamps can be controlled in
// tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns a Clock backed by time.Now in UTC.
func System() Clock { return systemClock{} }

// Module wires the system clock.
var Module = fx.Module("clock",
	fx.Provide(func() Clock { return System() }),
)
