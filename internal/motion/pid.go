package motion

// PID is a standard proportional-integral-derivative loop. Not
// goroutine-safe; each control loop owns its own.
type PID struct {
	Kp, Ki, Kd float64

	integral float64
	prevErr  float64
	primed   bool
}

// Update advances the loop by dt seconds and returns the control output.
func (p *PID) Update(err, dt float64) float64 {
	if dt <= 0 {
		return p.Kp * err
	}

	p.integral += err * dt

	var derivative float64
	if p.primed {
		derivative = (err - p.prevErr) / dt
	}
	p.prevErr = err
	p.primed = true

	return p.Kp*err + p.Ki*p.integral + p.Kd*derivative
}

// Reset clears accumulated state before a new waypoint run.
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.primed = false
}
