package spanorm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ConvergenceStatus summarises how a gene's alternating fit ended.
type ConvergenceStatus uint8

const (
	// StatusConverged: inner IRLS and the outer alternation both reached
	// tolerance within their iteration caps.
	StatusConverged ConvergenceStatus = iota
	// StatusMaxIter: an iteration cap was hit; the last iterate is kept.
	StatusMaxIter
	// StatusFallback: a rank-deficient design or non-finite iterate was
	// replaced by an intercept-only fit.
	StatusFallback
	// StatusAllZero: the gene has no counts in the fitting subset; its fit is
	// identically zero and every adjustment for it is 0.
	StatusAllZero
)

func (s ConvergenceStatus) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusMaxIter:
		return "max-iterations"
	case StatusFallback:
		return "fallback"
	case StatusAllZero:
		return "all-zero"
	default:
		return "unknown"
	}
}

// GeneFit holds one gene's estimated parameters: a coefficient vector for the
// library-size-associated spatial term, one for the library-size-independent
// biology term (both of basis rank length), the NB size parameter and the
// convergence outcome. A GeneFit is written once by the fitter and never
// mutated afterwards.
type GeneFit struct {
	LibSize  []float64
	Biology  []float64
	Theta    float64
	Deviance float64
	Status   ConvergenceStatus
	// Step-level flags: whether the last IRLS pass and the outer
	// dispersion/deviance alternation reached tolerance.
	InnerConverged bool
	OuterConverged bool
}

// Dispersion returns alpha = 1/Theta, the extra-Poisson variance parameter.
func (g *GeneFit) Dispersion() float64 { return 1 / g.Theta }

const (
	etaClamp  = 30.0
	ridgeBase = 1e-8
)

// geneFitter fits one gene at a time against a fixed stacked design
// [B*logLS | B]. The design and tolerances are shared and read-only; the
// scratch buffers belong to a single worker.
type geneFitter struct {
	design   *mat.Dense // nfit x 2*df
	df       int
	n        int
	tol      float64
	maxInner int
	maxOuter int

	// per-worker scratch
	eta, mu []float64
	w, z    []float64
	xtwx    *mat.SymDense
	xtwz    *mat.VecDense
	sol     *mat.VecDense
	coef    []float64
	next    []float64
}

func newGeneFitter(design *mat.Dense, df int, tol float64, maxInner, maxOuter int) *geneFitter {
	n, p := design.Dims()
	return &geneFitter{
		design:   design,
		df:       df,
		n:        n,
		tol:      tol,
		maxInner: maxInner,
		maxOuter: maxOuter,
		eta:      make([]float64, n),
		mu:       make([]float64, n),
		w:        make([]float64, n),
		z:        make([]float64, n),
		xtwx:     mat.NewSymDense(p, nil),
		xtwz:     mat.NewVecDense(p, nil),
		sol:      mat.NewVecDense(p, nil),
		coef:     make([]float64, p),
		next:     make([]float64, p),
	}
}

// buildDesign stacks the library-size and biology blocks: column j is
// B[:,j]*logLS for j < df and B[:,j-df] for j >= df. logLS is the centred log
// library size of the fitting subset.
func buildDesign(basis *mat.Dense, logLS []float64) *mat.Dense {
	n, df := basis.Dims()
	design := mat.NewDense(n, 2*df, nil)
	for i := range n {
		brow := basis.RawRowView(i)
		drow := design.RawRowView(i)
		for j := range df {
			drow[j] = brow[j] * logLS[i]
			drow[df+j] = brow[j]
		}
	}
	return design
}

// fit runs the alternating estimation for one gene's subset counts.
func (f *geneFitter) fit(y []float64) GeneFit {
	sumY := 0.0
	for _, v := range y {
		sumY += v
	}
	if sumY == 0 {
		return allZeroFit(f.df)
	}

	p := 2 * f.df
	for i := range f.coef {
		f.coef[i] = 0
	}
	// Start from the null model: biology intercept at the mean count.
	f.coef[f.df] = math.Log(sumY / float64(f.n))
	f.updateMean(f.coef)

	alpha := estimateDispersion(y, f.mu)
	devPrev := nbDeviance(y, f.mu, 1/alpha)

	var innerOK, outerOK bool
	for outer := 0; outer < f.maxOuter; outer++ {
		var ok bool
		innerOK, ok = f.irls(y, alpha)
		if !ok {
			return f.fallback(y)
		}

		alphaNew := estimateDispersion(y, f.mu)
		dev := nbDeviance(y, f.mu, 1/alphaNew)
		if !isFinite(dev) {
			return f.fallback(y)
		}
		devStep := math.Abs(dev-devPrev) / (math.Abs(devPrev) + 0.1)
		alphaStep := math.Abs(alphaNew-alpha) / (alpha + 1e-4)
		alpha, devPrev = alphaNew, dev
		if devStep < f.tol && alphaStep < f.tol {
			outerOK = true
			break
		}
	}

	g := GeneFit{
		LibSize:        append([]float64(nil), f.coef[:f.df]...),
		Biology:        append([]float64(nil), f.coef[f.df:p]...),
		Theta:          1 / alpha,
		Deviance:       devPrev,
		InnerConverged: innerOK,
		OuterConverged: outerOK,
		Status:         StatusConverged,
	}
	if !innerOK || !outerOK {
		g.Status = StatusMaxIter
	}
	return g
}

// irls re-estimates both coefficient blocks jointly at fixed dispersion.
// The second return value is false when the weighted normal equations stay
// unsolvable or the iterate turns non-finite, in which case the caller
// substitutes the fallback fit.
func (f *geneFitter) irls(y []float64, alpha float64) (converged, ok bool) {
	p := 2 * f.df
	for inner := 0; inner < f.maxInner; inner++ {
		for i := range f.mu {
			m := f.mu[i]
			f.w[i] = m / (1 + alpha*m)
			mz := max(m, 1e-8)
			f.z[i] = f.eta[i] + (y[i]-m)/mz
		}
		if !f.solveWLS() {
			return false, false
		}
		for j := range p {
			f.next[j] = f.sol.AtVec(j)
			if !isFinite(f.next[j]) {
				return false, false
			}
		}

		step := 0.0
		for j := range p {
			s := math.Abs(f.next[j]-f.coef[j]) / (1 + math.Abs(f.coef[j]))
			step = max(step, s)
		}
		copy(f.coef, f.next)
		f.updateMean(f.coef)
		if step < f.tol {
			return true, true
		}
	}
	return false, true
}

// solveWLS forms X'WX and X'Wz and solves by Cholesky, escalating a ridge on
// the diagonal when the factorization fails.
func (f *geneFitter) solveWLS() bool {
	p := 2 * f.df
	raw := f.design.RawMatrix()
	for a := range p {
		for b := a; b < p; b++ {
			f.xtwx.SetSym(a, b, 0)
		}
		f.xtwz.SetVec(a, 0)
	}
	for i := range f.n {
		row := raw.Data[i*raw.Stride : i*raw.Stride+p]
		wi := f.w[i]
		wz := wi * f.z[i]
		for a := range p {
			xa := row[a]
			f.xtwz.SetVec(a, f.xtwz.AtVec(a)+wz*xa)
			wxa := wi * xa
			for b := a; b < p; b++ {
				f.xtwx.SetSym(a, b, f.xtwx.At(a, b)+wxa*row[b])
			}
		}
	}

	maxDiag := 0.0
	for a := range p {
		maxDiag = max(maxDiag, f.xtwx.At(a, a))
	}
	ridge := ridgeBase * (maxDiag + 1)
	var chol mat.Cholesky
	for try := 0; try < 5; try++ {
		if try > 0 {
			for a := range p {
				f.xtwx.SetSym(a, a, f.xtwx.At(a, a)+ridge)
			}
			ridge *= 100
		}
		if chol.Factorize(f.xtwx) {
			return chol.SolveVecTo(f.sol, f.xtwz) == nil
		}
	}
	return false
}

func (f *geneFitter) updateMean(coef []float64) {
	p := 2 * f.df
	raw := f.design.RawMatrix()
	for i := range f.n {
		row := raw.Data[i*raw.Stride : i*raw.Stride+p]
		e := 0.0
		for j, c := range coef {
			e += row[j] * c
		}
		e = min(max(e, -etaClamp), etaClamp)
		f.eta[i] = e
		f.mu[i] = math.Exp(e)
	}
}

// fallback is the minimal intercept-only model used when the full design
// cannot be fit for a gene. The gene still yields finite parameters and
// adjusted values; it is merely flagged.
func (f *geneFitter) fallback(y []float64) GeneFit {
	sumY := 0.0
	for _, v := range y {
		sumY += v
	}
	meanY := sumY / float64(f.n)
	mu := make([]float64, f.n)
	for i := range mu {
		mu[i] = meanY
	}
	alpha := estimateDispersion(y, mu)
	libSize := make([]float64, f.df)
	biology := make([]float64, f.df)
	biology[0] = math.Log(meanY)
	return GeneFit{
		LibSize:  libSize,
		Biology:  biology,
		Theta:    1 / alpha,
		Deviance: nbDeviance(y, mu, 1/alpha),
		Status:   StatusFallback,
	}
}

func allZeroFit(df int) GeneFit {
	return GeneFit{
		LibSize:        make([]float64, df),
		Biology:        make([]float64, df),
		Theta:          1 / minDispersion,
		Status:         StatusAllZero,
		InnerConverged: true,
		OuterConverged: true,
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
