package bandit

import (
	"math"
	"math/rand"
)

// sampleGamma draws from Gamma(shape, scale=1) using the Marsaglia-Tsang
// method, boosted for shape < 1. No example repo in the corpus provides a
// statistical-distribution package (gonum/distuv and similar are absent
// from every go.mod in the pack); Beta posterior sampling is the one
// numerical primitive this engine needs that the corpus genuinely has no
// library for, so it is implemented directly against math/rand.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape <= 0 {
		shape = 1e-3
	}
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// sampleBeta draws x ~ Beta(alpha, beta) via the Gamma-ratio construction:
// X ~ Gamma(alpha,1), Y ~ Gamma(beta,1), Beta = X/(X+Y).
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}
