// Package localize maintains the robot's global pose belief with a particle
// filter over the occupancy map.
package localize

import (
	"errors"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/relaybot-data/relaybot/internal/gridmap"
	"github.com/relaybot-data/relaybot/internal/lidar"
	"github.com/relaybot-data/relaybot/internal/monitoring"
	"github.com/relaybot-data/relaybot/internal/pose"
)

// ErrDiverged reports that the belief spread out beyond recovery. The
// navigator surfaces it to the state machine as a localization failure.
var ErrDiverged = errors.New("localization diverged")

// Particle is one pose hypothesis with its importance weight.
type Particle struct {
	Pose   pose.Pose
	Weight float64
}

// Params tunes the filter.
type Params struct {
	N int // particle count

	MotionNoiseTrans float64 // sigma on ds, metres
	MotionNoiseRot   float64 // sigma on dtheta, radians
	MeasurementNoise float64 // sigma of the range residual, metres

	RaysPerUpdate int     // sparse subset of scan rays scored per particle
	MaxRange      float64 // ray-cast ceiling

	ResampleThreshold float64 // resample when ESS < threshold * N
	OutlierFloor      float64 // uniform mixture weight in the beam model

	DivergenceStdDev  float64 // positional std-dev that counts as divergence
	DivergenceUpdates int     // consecutive bad updates before ErrDiverged
	RelocalizeRetries int     // reseed attempts before giving up
}

// DefaultParams returns the tuning used on the robot.
func DefaultParams() Params {
	return Params{
		N:                 100,
		MotionNoiseTrans:  0.02,
		MotionNoiseRot:    0.05,
		MeasurementNoise:  0.20,
		RaysPerUpdate:     12,
		MaxRange:          10.0,
		ResampleThreshold: 0.5,
		OutlierFloor:      1e-3,
		DivergenceStdDev:  1.0,
		DivergenceUpdates: 15,
		RelocalizeRetries: 3,
	}
}

// Filter is the particle filter. Motion and measurement updates share the
// particle buffer and must be serialised by the caller (the navigator's
// localization loop owns it).
type Filter struct {
	params Params
	m      *gridmap.Map

	particles []Particle
	est       pose.Pose

	rng        *rand.Rand
	noiseTrans distuv.Normal
	noiseRot   distuv.Normal

	badUpdates   int
	relocalAtmps int
}

// New seeds N particles around the start pose with Gaussian noise.
func New(m *gridmap.Map, start pose.Pose, params Params, src rand.Source) *Filter {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	f := &Filter{
		params:     params,
		m:          m,
		rng:        rand.New(src),
		noiseTrans: distuv.Normal{Mu: 0, Sigma: params.MotionNoiseTrans, Src: src},
		noiseRot:   distuv.Normal{Mu: 0, Sigma: params.MotionNoiseRot, Src: src},
		est:        start.Normalized(),
	}
	f.seed(start, 2*params.MotionNoiseTrans, 2*params.MotionNoiseRot)
	return f
}

// seed replaces all particles with samples around a pose.
func (f *Filter) seed(center pose.Pose, spreadPos, spreadTheta float64) {
	posNoise := distuv.Normal{Mu: 0, Sigma: spreadPos, Src: f.noiseTrans.Src}
	thetaNoise := distuv.Normal{Mu: 0, Sigma: spreadTheta, Src: f.noiseTrans.Src}

	f.particles = make([]Particle, f.params.N)
	w := 1.0 / float64(f.params.N)
	for i := range f.particles {
		f.particles[i] = Particle{
			Pose: pose.Pose{
				X:     center.X + posNoise.Rand(),
				Y:     center.Y + posNoise.Rand(),
				Theta: pose.NormalizeAngle(center.Theta + thetaNoise.Rand()),
			},
			Weight: w,
		}
	}
}

// MotionUpdate advances every particle by the odometry delta plus per-particle
// noise: independent perturbations on ds and dtheta and a small lateral
// cross-term.
func (f *Filter) MotionUpdate(ds, dtheta float64) {
	if ds == 0 && dtheta == 0 {
		return
	}
	for i := range f.particles {
		p := &f.particles[i]

		nds := ds + f.noiseTrans.Rand()
		ndth := dtheta + f.noiseRot.Rand()
		lat := f.noiseTrans.Rand() / 2

		heading := p.Pose.Theta + ndth/2
		p.Pose.X += nds*math.Cos(heading) - lat*math.Sin(heading)
		p.Pose.Y += nds*math.Sin(heading) + lat*math.Cos(heading)
		p.Pose.Theta = pose.NormalizeAngle(p.Pose.Theta + ndth)
	}
}

// MeasurementUpdate rescores particles against a scan, renormalises, and
// resamples when the effective sample size drops below the threshold. The
// weight invariant (non-negative, summing to 1) holds on return.
//
// Returns ErrDiverged once the belief has been irrecoverably spread for
// longer than the configured window despite reseeding.
func (f *Filter) MeasurementUpdate(scan lidar.Scan) error {
	if len(scan) > 0 {
		rays := subsample(scan, f.params.RaysPerUpdate)
		for i := range f.particles {
			f.particles[i].Weight *= f.scanLikelihood(f.particles[i].Pose, rays)
		}
		f.normalize()

		if f.ess() < f.params.ResampleThreshold*float64(f.params.N) {
			f.resampleLowVariance()
		}
	}

	f.estimate()
	return f.healthCheck()
}

// scanLikelihood is a beam model: product over sparse rays of a Gaussian in
// the range residual mixed with a uniform outlier floor.
func (f *Filter) scanLikelihood(p pose.Pose, rays []pose.ScanPoint) float64 {
	likelihood := 1.0
	norm := 1 / (f.params.MeasurementNoise * math.Sqrt(2*math.Pi))
	for _, ray := range rays {
		expected := f.m.RayCast(p, pose.NormalizeAngle(p.Theta+ray.Angle), f.params.MaxRange)
		diff := ray.Distance - expected
		g := norm * math.Exp(-0.5*(diff/f.params.MeasurementNoise)*(diff/f.params.MeasurementNoise))
		likelihood *= g + f.params.OutlierFloor
	}
	if likelihood < 1e-300 {
		likelihood = 1e-300
	}
	return likelihood
}

func subsample(scan lidar.Scan, n int) []pose.ScanPoint {
	if len(scan) <= n {
		return scan
	}
	out := make([]pose.ScanPoint, 0, n)
	step := len(scan) / n
	for i := 0; i < len(scan) && len(out) < n; i += step {
		out = append(out, scan[i])
	}
	return out
}

// normalize rescales weights to sum 1, falling back to uniform when the
// scan annihilated every hypothesis.
func (f *Filter) normalize() {
	var total float64
	for i := range f.particles {
		total += f.particles[i].Weight
	}
	if total <= 0 {
		w := 1.0 / float64(len(f.particles))
		for i := range f.particles {
			f.particles[i].Weight = w
		}
		return
	}
	for i := range f.particles {
		f.particles[i].Weight /= total
	}
}

// ess is the effective sample size 1 / sum(w^2).
func (f *Filter) ess() float64 {
	var sumSq float64
	for i := range f.particles {
		sumSq += f.particles[i].Weight * f.particles[i].Weight
	}
	if sumSq == 0 {
		return 0
	}
	return 1 / sumSq
}

// resampleLowVariance is systematic (low-variance) resampling.
func (f *Filter) resampleLowVariance() {
	n := len(f.particles)
	out := make([]Particle, 0, n)

	step := 1.0 / float64(n)
	u := f.rng.Float64() * step
	c := f.particles[0].Weight
	i := 0

	for j := 0; j < n; j++ {
		target := u + float64(j)*step
		for target > c && i < n-1 {
			i++
			c += f.particles[i].Weight
		}
		p := f.particles[i]
		p.Weight = step
		out = append(out, p)
	}
	f.particles = out
}

// estimate computes the weighted mean position and circular-mean heading.
func (f *Filter) estimate() {
	var sinSum, cosSum float64
	xs := make([]float64, len(f.particles))
	ys := make([]float64, len(f.particles))
	ws := make([]float64, len(f.particles))
	for i, p := range f.particles {
		xs[i], ys[i], ws[i] = p.Pose.X, p.Pose.Y, p.Weight
		sinSum += p.Weight * math.Sin(p.Pose.Theta)
		cosSum += p.Weight * math.Cos(p.Pose.Theta)
	}
	f.est = pose.Pose{
		X:     stat.Mean(xs, ws),
		Y:     stat.Mean(ys, ws),
		Theta: math.Atan2(sinSum, cosSum),
	}
}

// healthCheck tracks belief spread and triggers reseeding, then ErrDiverged.
func (f *Filter) healthCheck() error {
	if f.spreadStdDev() <= f.params.DivergenceStdDev && f.ess() >= 0.1*float64(f.params.N) {
		f.badUpdates = 0
		f.relocalAtmps = 0
		return nil
	}

	f.badUpdates++
	if f.badUpdates < f.params.DivergenceUpdates {
		return nil
	}

	if f.relocalAtmps < f.params.RelocalizeRetries {
		f.relocalAtmps++
		f.badUpdates = 0
		monitoring.Logf("localize: belief spread %.2fm, reseeding around estimate (attempt %d/%d)",
			f.spreadStdDev(), f.relocalAtmps, f.params.RelocalizeRetries)
		f.seed(f.est, 0.5, math.Pi)
		return nil
	}
	return ErrDiverged
}

// spreadStdDev is the weighted positional standard deviation.
func (f *Filter) spreadStdDev() float64 {
	xs := make([]float64, len(f.particles))
	ys := make([]float64, len(f.particles))
	ws := make([]float64, len(f.particles))
	for i, p := range f.particles {
		xs[i], ys[i], ws[i] = p.Pose.X, p.Pose.Y, p.Weight
	}
	return math.Sqrt(stat.Variance(xs, ws) + stat.Variance(ys, ws))
}

// Estimate returns the current pose estimate.
func (f *Filter) Estimate() pose.Pose {
	return f.est
}

// Particles exposes the particle multiset for inspection. Callers must not
// mutate it.
func (f *Filter) Particles() []Particle {
	return f.particles
}

// Reset reseeds the belief around a known pose, e.g. after manual placement.
func (f *Filter) Reset(at pose.Pose) {
	f.est = at.Normalized()
	f.badUpdates = 0
	f.relocalAtmps = 0
	f.seed(at, 2*f.params.MotionNoiseTrans, 2*f.params.MotionNoiseRot)
}
