package spanorm

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

// Negative binomial kernel in the NB2 parameterization: mean mu and size
// theta, variance mu + mu^2/theta. The dispersion alpha = 1/theta is what the
// moment update estimates. Above poissonThetaLimit the distribution is
// numerically indistinguishable from Poisson and the gamma-function forms are
// used instead of the incomplete beta.
const (
	poissonThetaLimit = 1e6
	minDispersion     = 1e-8
	maxDispersion     = 1e2
)

func nbLogPMF(k, mu, theta float64) float64 {
	if k < 0 {
		return math.Inf(-1)
	}
	k = math.Floor(k)
	if mu <= 0 {
		if k == 0 {
			return 0
		}
		return math.Inf(-1)
	}
	if theta > poissonThetaLimit {
		lgk1, _ := math.Lgamma(k + 1)
		return k*math.Log(mu) - mu - lgk1
	}
	lgkt, _ := math.Lgamma(k + theta)
	lgt, _ := math.Lgamma(theta)
	lgk1, _ := math.Lgamma(k + 1)
	return lgkt - lgt - lgk1 +
		theta*math.Log(theta/(theta+mu)) +
		k*math.Log(mu/(theta+mu))
}

// nbCDF returns P(X <= floor(k)).
func nbCDF(k, mu, theta float64) float64 {
	if k < 0 {
		return 0
	}
	k = math.Floor(k)
	if mu <= 0 {
		return 1
	}
	if theta > poissonThetaLimit {
		// Poisson limit: P(X <= k) = Q(k+1, mu).
		return mathext.GammaIncRegComp(k+1, mu)
	}
	return mathext.RegIncBeta(theta, k+1, theta/(theta+mu))
}

// nbQuantile returns the smallest non-negative integer q with
// P(X <= q) >= p. p is clamped away from 0 and 1 by the callers.
func nbQuantile(p, mu, theta float64) float64 {
	if p <= 0 || mu <= 0 {
		return 0
	}
	if nbCDF(0, mu, theta) >= p {
		return 0
	}
	sd := math.Sqrt(mu + mu*mu/theta)
	hi := math.Ceil(mu + 10*sd + 10)
	for range 64 {
		if nbCDF(hi, mu, theta) >= p {
			break
		}
		hi *= 2
	}
	// Invariant: CDF(hi) >= p > CDF(lo). Both bounds are integers, so the
	// loop halves the bracket until hi is the smallest satisfying count.
	lo := 0.0
	for hi-lo > 1 {
		mid := math.Floor((lo + hi) / 2)
		if nbCDF(mid, mu, theta) >= p {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi
}

func nbMedian(mu, theta float64) float64 {
	return nbQuantile(0.5, mu, theta)
}

// estimateDispersion is the method-of-moments update for alpha = 1/theta at
// fixed means: solve sum((y-mu)^2) = sum(mu) + alpha*sum(mu^2). The estimate
// is clamped so the mean step always sees a usable dispersion.
func estimateDispersion(y, mu []float64) float64 {
	var num, den float64
	for i, m := range mu {
		r := y[i] - m
		num += r*r - m
		den += m * m
	}
	if den <= 0 {
		return minDispersion
	}
	alpha := num / den
	if alpha < minDispersion {
		return minDispersion
	}
	if alpha > maxDispersion {
		return maxDispersion
	}
	return alpha
}

// nbDeviance is twice the log-likelihood gap to the saturated model.
func nbDeviance(y, mu []float64, theta float64) float64 {
	dev := 0.0
	poisson := theta > poissonThetaLimit
	for i, m := range mu {
		yi := y[i]
		if m <= 0 {
			m = 1e-12
		}
		if yi > 0 {
			dev += yi * math.Log(yi/m)
		}
		if poisson {
			dev -= yi - m
		} else {
			dev -= (yi + theta) * math.Log((yi+theta)/(m+theta))
		}
	}
	return 2 * dev
}
