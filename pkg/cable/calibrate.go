package cable

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

const (
	calibrationTolerance = 0.1
	calibrationLoops     = 2048
	calibrationMaxRounds = 64
)

func withinTolerance(measured, target physic.Frequency) bool {
	return float64(measured) > (1-calibrationTolerance)*float64(target) &&
		float64(measured) < (1+calibrationTolerance)*float64(target)
}

// NextDelay is one step of the delay-loop calibration. Given the frequency
// measured with the current delay it returns the delay to try next, or
// done when current is good enough (or cannot be lowered further).
func NextDelay(measured, target physic.Frequency, current int) (next int, done bool) {
	if target <= 0 {
		return 0, true
	}
	scaled := int(float64(current) * float64(measured) / float64(target))

	if float64(measured) >= (1-calibrationTolerance)*float64(target) {
		if float64(measured) <= (1+calibrationTolerance)*float64(target) {
			return current, true
		}
		// Too fast: wait longer.
		if scaled > current {
			return scaled, false
		}
		return current + 1, false
	}

	// Too slow.
	if current == 0 {
		return 0, true
	}
	if scaled < current {
		return scaled, false
	}
	return current - 1, false
}

// Clocker is the part of a driver the calibration loop needs.
type Clocker interface {
	Clock(c *Cable, tms, tdi bool, n int) error
}

// Calibrate tunes c's busy-wait delay until clocking through d runs within
// 10% of target. Zero target removes the delay.
func Calibrate(c *Cable, d Clocker, target physic.Frequency) error {
	if target <= 0 {
		c.delay = 0
		c.frequency = 0
		return nil
	}
	if c.frequency != 0 && withinTolerance(target, c.frequency) {
		return nil
	}

	log := c.log.WithField("target", target)
	log.Info("calibrating delay loop")

	loops := calibrationLoops
	delay := c.delay
	measured := physic.Frequency(0)
	for round := 0; round < calibrationMaxRounds; round++ {
		c.delay = delay
		start := time.Now()
		for i := 0; i < loops; i++ {
			if err := d.Clock(c, false, false, 1); err != nil {
				return err
			}
		}
		elapsed := time.Since(start)
		if elapsed <= 0 {
			loops *= 2
			continue
		}
		measured = physic.Frequency(float64(loops) / elapsed.Seconds() * float64(physic.Hertz))
		log.WithFields(map[string]interface{}{"measured": measured, "delay": delay}).Debug("calibration round")

		next, done := NextDelay(measured, target, delay)
		if done {
			if delay == 0 && measured < target {
				log.Info("operating without delay")
			}
			break
		}
		delay = next
	}
	c.delay = delay
	c.frequency = measured
	return nil
}
