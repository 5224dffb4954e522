// Package maxrps estimates the highest throughput a target sustains. It
// runs the open-loop client at several offered rates, derives the mean
// concurrency at each one with Little's law and fits the Universal
// Scalability Law to the points.
package maxrps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/buoyantio/mutated/client"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Config of a sweep. Client is the template every level starts from; its
// Rate is replaced by each of Rates in turn.
type Config struct {
	Client client.Config
	Rates  string
}

// Level is the outcome of the run at one offered rate.
type Level struct {
	OfferedRate   float64 `json:"offered_rps"`
	Throughput    float64 `json:"throughput_rps"`
	MeanServiceUs float64 `json:"mean_service_us"`
	Concurrency   float64 `json:"concurrency"`
}

// Fit holds the USL coefficients and the peak they predict.
type Fit struct {
	// Sigma is the overhead of contention.
	Sigma float64 `json:"sigma"`
	// Kappa is the overhead of crosstalk.
	Kappa float64 `json:"kappa"`
	// Lambda is the unloaded throughput of one unit of concurrency.
	Lambda         float64 `json:"lambda"`
	MaxConcurrency float64 `json:"max_concurrency"`
	MaxRps         float64 `json:"max_rps"`
}

// Result of a sweep.
type Result struct {
	Levels []Level `json:"levels"`
	Fit    Fit     `json:"fit"`
}

// ParseRates parses a comma separated list of request rates.
func ParseRates(s string) ([]float64, error) {
	var rates []float64
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		rate, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("unknown rate %q: %w", f, err)
		}
		if !(rate > 0) {
			return nil, fmt.Errorf("rate %v must be positive", rate)
		}
		rates = append(rates, rate)
	}
	if len(rates) < 3 {
		return nil, errors.New("at least three rates are needed for a fit")
	}
	return rates, nil
}

// Run runs one client per rate and fits the results.
func (cfg Config) Run(ctx context.Context, opts ...client.Option) (*Result, error) {
	rates, err := ParseRates(cfg.Rates)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	var concurrency, throughput []float64
	for _, rate := range rates {
		ccfg := cfg.Client
		ccfg.Rate = rate
		ccfg.Label = fmt.Sprintf("%s@%g", cfg.Client.Label, rate)
		c, err := client.New(ccfg, opts...)
		if err != nil {
			return nil, err
		}
		summary, err := c.Run(ctx)
		if err != nil {
			return nil, err
		}
		lvl := Level{
			OfferedRate:   rate,
			Throughput:    summary.Throughput,
			MeanServiceUs: summary.Service.Mean,
			Concurrency:   summary.Throughput * summary.Service.Mean / 1e6,
		}
		log.Debugf("%+v", lvl)
		res.Levels = append(res.Levels, lvl)
		if lvl.Concurrency > 0 {
			concurrency = append(concurrency, lvl.Concurrency)
			throughput = append(throughput, lvl.Throughput)
		}
	}
	if res.Fit, err = FitUSL(concurrency, throughput); err != nil {
		return res, err
	}
	return res, nil
}

// FitUSL finds the USL coefficients that minimise the squared error of the
// predicted throughput at each concurrency.
func FitUSL(concurrency, throughput []float64) (Fit, error) {
	if len(concurrency) != len(throughput) {
		return Fit{}, errors.New("concurrency and throughput differ in length")
	}
	if len(concurrency) < 3 {
		return Fit{}, fmt.Errorf("need at least three points, have %d", len(concurrency))
	}
	dense := make([]float64, 0, 2*len(concurrency))
	for i := range concurrency {
		dense = append(dense, concurrency[i], throughput[i])
	}
	points := mat.NewDense(len(concurrency), 2, dense)
	ns := mat.Col(nil, 0, points)
	xs := mat.Col(nil, 1, points)

	f := func(x []float64) float64 {
		sigma, kappa, lambda := optvarsToGreek(x)
		var mismatch float64
		for i, n := range ns {
			pred := ThroughputAt(n, sigma, kappa, lambda)
			mismatch += (pred - xs[i]) * (pred - xs[i])
		}
		return mismatch
	}
	grad := func(grad, x []float64) {
		for i := range grad {
			grad[i] = 0
		}
		sigma, kappa, lambda := optvarsToGreek(x)
		// d exp(x)/dx = exp(x)
		for i, n := range ns {
			pred := ThroughputAt(n, sigma, kappa, lambda)
			dMismatchDPred := 2 * (pred - xs[i])
			dSigma, dKappa, dLambda := throughputDeriv(n, sigma, kappa, lambda)
			grad[0] += dMismatchDPred * dSigma * sigma
			grad[1] += dMismatchDPred * dKappa * kappa
			grad[2] += dMismatchDPred * dLambda * lambda
		}
	}

	problem := optimize.Problem{Func: f, Grad: grad}
	settings := &optimize.Settings{
		GradientThreshold: 1e-6,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Iterations: 100,
		},
	}
	// start from the throughput per unit of concurrency at the lightest load
	initX := []float64{math.Log(1e-2), math.Log(1e-4), math.Log(xs[0] / ns[0])}
	result, err := optimize.Minimize(problem, initX, settings, nil)
	if result == nil {
		return Fit{}, fmt.Errorf("optimization error: %w", err)
	}
	if err != nil {
		log.Warnf("optimization stopped early: %s", err)
	}

	fit := Fit{}
	fit.Sigma, fit.Kappa, fit.Lambda = optvarsToGreek(result.X)
	for i, n := range ns {
		log.Debugf("concurrency %.2f true %.1f pred %.1f", n, xs[i], ThroughputAt(n, fit.Sigma, fit.Kappa, fit.Lambda))
	}
	fit.MaxConcurrency = math.Max(1, math.Floor(math.Sqrt((1-fit.Sigma)/fit.Kappa)))
	fit.MaxRps = ThroughputAt(fit.MaxConcurrency, fit.Sigma, fit.Kappa, fit.Lambda)
	return fit, nil
}

// ThroughputAt is the USL: X(N) = λN / (1 + σ(N-1) + κN(N-1)).
func ThroughputAt(n, sigma, kappa, lambda float64) float64 {
	return lambda * n / (1 + sigma*(n-1) + kappa*n*(n-1))
}

// The search runs over logarithms so every coefficient stays positive.
func optvarsToGreek(x []float64) (sigma, kappa, lambda float64) {
	return math.Exp(x[0]), math.Exp(x[1]), math.Exp(x[2])
}

func throughputDeriv(n, sigma, kappa, lambda float64) (dSigma, dKappa, dLambda float64) {
	num := lambda * n
	denom := 1 + sigma*(n-1) + kappa*n*(n-1)
	dSigma = -(num / (denom * denom)) * (n - 1)
	dKappa = -(num / (denom * denom)) * (n - 1) * n
	dLambda = n / denom
	return dSigma, dKappa, dLambda
}

// Write prints the levels and the fit.
func (r *Result) Write(w io.Writer) {
	for _, l := range r.Levels {
		fmt.Fprintf(w, "offered %.0f req/s: throughput %.1f req/s, mean service %.1fus, concurrency %.2f\n",
			l.OfferedRate, l.Throughput, l.MeanServiceUs, l.Concurrency)
	}
	fmt.Fprintln(w, "sigma (the overhead of contention): ", r.Fit.Sigma)
	fmt.Fprintln(w, "kappa (the overhead of crosstalk): ", r.Fit.Kappa)
	fmt.Fprintln(w, "lambda (unloaded performance): ", r.Fit.Lambda)
	fmt.Fprintf(w, "maxConcurrency: %f\n", r.Fit.MaxConcurrency)
	fmt.Fprintf(w, "maxRps: %f\n", r.Fit.MaxRps)
}
