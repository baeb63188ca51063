package strategy

import (
	"context"
	"fmt"
	"time"

	"statemax-go/internal/kline"
)

// Constant always targets the same fraction.
type Constant struct {
	fraction float64
}

// NewConstant rejects fractions outside [0, 1].
func NewConstant(fraction float64) (*Constant, error) {
	if fraction < 0 || fraction > 1 {
		return nil, fmt.Errorf("constant fraction %.4f not in [0, 1]", fraction)
	}
	return &Constant{fraction: fraction}, nil
}

// Name identifies the signal.
func (c *Constant) Name() string { return "constant" }

// Length needs a single bar.
func (c *Constant) Length() int { return 1 }

// Init has nothing to prepare.
func (c *Constant) Init(context.Context, Host, time.Time) error { return nil }

// PostTick has nothing to refresh.
func (c *Constant) PostTick(context.Context, time.Time) error { return nil }

// Tick returns the configured fraction.
func (c *Constant) Tick(context.Context, time.Time, []kline.Bar, Position) (float64, error) {
	return c.fraction, nil
}
