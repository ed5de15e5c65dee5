// internal/dehumidifier/controller.go
package dehumidifier

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/benck/ha-medole/internal/domain"
)

// Writer submits one attribute write. *coordinator.Coordinator implements it.
type Writer interface {
	SubmitWrite(ctx context.Context, name string, value any) error
}

// Controller turns host commands into attribute writes.
type Controller struct {
	w   Writer
	log zerolog.Logger
}

func NewController(w Writer, log zerolog.Logger) *Controller {
	return &Controller{w: w, log: log}
}

type step struct {
	name  string
	value any
}

// sequence writes in order and stops at the first failure.
func (c *Controller) sequence(ctx context.Context, op string, steps ...step) error {
	for _, s := range steps {
		if err := c.w.SubmitWrite(ctx, s.name, s.value); err != nil {
			c.log.Warn().
				Str("command", op).
				Str("attribute", s.name).
				Err(err).
				Msg("command aborted")
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	c.log.Debug().Str("command", op).Msg("command applied")
	return nil
}

// TurnOn powers the unit on in dehumidify mode with purify off.
func (c *Controller) TurnOn(ctx context.Context) error {
	return c.sequence(ctx, "turn_on",
		step{AttrPower, true},
		step{AttrDehumidifyMode, true},
		step{AttrPurifyMode, false},
	)
}

func (c *Controller) TurnOff(ctx context.Context) error {
	return c.sequence(ctx, "turn_off", step{AttrPower, false})
}

// SetHumidity sets the target humidity, clamped to MinHumidity..MaxHumidity.
func (c *Controller) SetHumidity(ctx context.Context, humidity int) error {
	if humidity < MinHumidity {
		humidity = MinHumidity
	}
	if humidity > MaxHumidity {
		humidity = MaxHumidity
	}
	return c.sequence(ctx, "set_humidity", step{AttrTargetHumidity, humidity})
}

// SetContinuous switches to continuous dehumidification.
func (c *Controller) SetContinuous(ctx context.Context) error {
	return c.sequence(ctx, "set_continuous", step{AttrTargetHumidity, ContinuousHumidity})
}

func (c *Controller) SetFanMode(ctx context.Context, mode string) error {
	m, ok := ParseFanMode(mode)
	if !ok {
		return fmt.Errorf("set_fan_mode: %w: unknown fan mode %q, want one of %v", domain.ErrValueRange, mode, FanModes())
	}
	return c.sequence(ctx, "set_fan_mode", step{AttrFanSpeed, fanSpeeds[m]})
}

// SyncClock writes t to the device clock registers.
func (c *Controller) SyncClock(ctx context.Context, t time.Time) error {
	return c.sequence(ctx, "sync_clock",
		step{AttrClockTime, ClockWord(t)},
		step{AttrClockSeconds, t.Second()},
		step{AttrWeekday, Weekday(t)},
	)
}

// ClockWord packs hour (low byte) and minute (high byte).
func ClockWord(t time.Time) uint16 {
	return uint16(t.Minute())<<8 | uint16(t.Hour())
}

// Weekday numbers days 1 (Sunday) .. 7 (Saturday).
func Weekday(t time.Time) uint16 {
	return uint16(t.Weekday()) + 1
}
