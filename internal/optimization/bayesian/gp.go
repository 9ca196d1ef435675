package bayesian

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/optimization/kernels"
)

// maxJitterAttempts bounds the diagonal jitter escalation in Fit.
const maxJitterAttempts = 10

// GP implements a Gaussian Process model for Bayesian Optimization
type GP struct {
	// Kernel function
	kernel kernels.Kernel

	// Observation noise variance
	noiseVar float64

	// Training data
	X *mat.Dense    // Input points (n_samples, n_features)
	y *mat.VecDense // Target values (n_samples)

	// Constant prior mean, the sample mean of y
	mean float64

	// Precomputed values
	alpha *mat.VecDense
	L     *mat.Cholesky

	// Logger for structured logging
	logger *zap.Logger
}

// NewGP creates a new Gaussian Process model. logger may be nil.
func NewGP(kernel kernels.Kernel, noiseVar float64, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{
		kernel:   kernel,
		noiseVar: noiseVar,
		logger:   logger.Named("gaussian_process"),
	}
}

func gpError(op, format string, args ...interface{}) *laberrors.Error {
	return laberrors.Errorf(format, args...).WithOperation(op).WithComponent("gaussian_process")
}

// Fit fits the GP model to the training data
func (gp *GP) Fit(X *mat.Dense, y *mat.VecDense) error {
	if X == nil || y == nil {
		return gpError("Fit", "input matrices must not be nil")
	}
	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return gpError("Fit", "input matrix X must not be empty")
	}
	if nSamples != y.Len() {
		return gpError("Fit", "dimension mismatch: X has %d samples but y has length %d", nSamples, y.Len())
	}

	gp.logger.Debug("Fitting GP model",
		zap.Int("samples", nSamples),
		zap.Int("features", nFeatures),
		zap.Float64("noise_var", gp.noiseVar),
	)

	gp.X = mat.DenseCopyOf(X)
	gp.y = mat.VecDenseCopyOf(y)
	gp.mean = stat.Mean(gp.y.RawVector().Data, nil)

	K := mat.NewSymDense(nSamples, nil)
	for i := 0; i < nSamples; i++ {
		xi := gp.X.RawRowView(i)
		for j := i; j < nSamples; j++ {
			K.SetSym(i, j, gp.kernel.Eval(xi, gp.X.RawRowView(j)))
		}
	}

	centered := mat.NewVecDense(nSamples, nil)
	for i := 0; i < nSamples; i++ {
		centered.SetVec(i, gp.y.AtVec(i)-gp.mean)
	}

	jitter := 1e-10
	for attempt := 0; attempt < maxJitterAttempts; attempt++ {
		Kj := mat.NewSymDense(nSamples, nil)
		Kj.CopySym(K)
		for i := 0; i < nSamples; i++ {
			Kj.SetSym(i, i, K.At(i, i)+gp.noiseVar+jitter)
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(Kj); !ok {
			gp.logger.Debug("Cholesky factorization failed, increasing jitter",
				zap.Int("attempt", attempt+1),
				zap.Float64("jitter", jitter))
			jitter *= 10
			continue
		}

		alpha := mat.NewVecDense(nSamples, nil)
		if err := chol.SolveVecTo(alpha, centered); err != nil {
			jitter *= 10
			continue
		}
		gp.alpha = alpha
		gp.L = &chol
		return nil
	}
	return gpError("Fit", "kernel matrix is not positive definite after %d jitter attempts", maxJitterAttempts)
}

// Predict returns the posterior mean and variance of the latent function
// at each row of X.
func (gp *GP) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	if X == nil {
		return nil, nil, gpError("Predict", "input matrix X is nil")
	}
	if gp.X == nil || gp.alpha == nil || gp.L == nil {
		return nil, nil, gpError("Predict", "model not trained")
	}
	nTest, nFeat := X.Dims()
	nTrain, nFeatures := gp.X.Dims()
	if nFeat != nFeatures {
		return nil, nil, gpError("Predict", "expected %d features, got %d", nFeatures, nFeat)
	}

	Kstar := mat.NewDense(nTest, nTrain, nil)
	Kss := make([]float64, nTest)
	for i := 0; i < nTest; i++ {
		xStar := X.RawRowView(i)
		Kss[i] = gp.kernel.Eval(xStar, xStar)
		for j := 0; j < nTrain; j++ {
			Kstar.Set(i, j, gp.kernel.Eval(xStar, gp.X.RawRowView(j)))
		}
	}

	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(Kstar, gp.alpha)
	for i := 0; i < nTest; i++ {
		mean.SetVec(i, mean.AtVec(i)+gp.mean)
	}

	// v = K⁻¹ K*ᵀ; variance = k** − Σ_j K*_ij v_ji
	var v mat.Dense
	if err := gp.L.SolveTo(&v, Kstar.T()); err != nil {
		return nil, nil, laberrors.Wrap(err, "failed to solve linear system").
			WithOperation("Predict").WithComponent("gaussian_process")
	}
	variance := mat.NewVecDense(nTest, nil)
	for i := 0; i < nTest; i++ {
		var reduction float64
		for j := 0; j < nTrain; j++ {
			reduction += Kstar.At(i, j) * v.At(j, i)
		}
		variance.SetVec(i, math.Max(0, Kss[i]-reduction))
	}
	return mean, variance, nil
}

// PredictPoint is Predict for a single point, returning the standard
// deviation rather than the variance.
func (gp *GP) PredictPoint(x []float64) (float64, float64, error) {
	mu, v, err := gp.Predict(mat.NewDense(1, len(x), append([]float64(nil), x...)))
	if err != nil {
		return 0, 0, err
	}
	return mu.AtVec(0), math.Sqrt(v.AtVec(0)), nil
}
