package anomaly

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	dayPeriod  = 24 * time.Hour
	weekPeriod = 7 * 24 * time.Hour

	// Fourier orders for the two seasonal cycles.
	dailyHarmonics  = 4
	weeklyHarmonics = 3

	// z for an 80% prediction interval around the baseline.
	boundsZ = 1.28
)

// seasonalModel is a harmonic regression baseline: intercept, linear trend,
// and sin/cos pairs for the daily and weekly cycles, fit by least squares.
// In multiplicative mode the fit runs in log space and predictions are
// transformed back, so seasonal swings scale with the level of the series.
type seasonalModel struct {
	mode  string
	beta  []float64
	t0    time.Time
	scale float64
}

// fitSeasonal fits the baseline to the (already sorted) series and returns
// the model together with per-point predictions.
func fitSeasonal(timestamps []time.Time, values []float64, mode string) (*seasonalModel, []float64, error) {
	n := len(values)
	if n == 0 || n != len(timestamps) {
		return nil, nil, errors.New("timestamps and values must align")
	}

	m := &seasonalModel{mode: mode, t0: timestamps[0]}

	y := make([]float64, n)
	copy(y, values)
	if mode == "multiplicative" {
		// Log transform needs positive input; shift by the series minimum.
		min := values[0]
		for _, v := range values {
			if v < min {
				min = v
			}
		}
		if min <= 0 {
			m.scale = 1 - min
		}
		for i, v := range values {
			y[i] = math.Log(v + m.scale)
		}
	}

	rows := make([][]float64, n)
	for i, ts := range timestamps {
		rows[i] = m.features(ts)
	}

	beta, err := solveLeastSquares(rows, y)
	if err != nil {
		return nil, nil, fmt.Errorf("fitting seasonal baseline: %w", err)
	}
	m.beta = beta

	yhat := make([]float64, n)
	for i, ts := range timestamps {
		yhat[i] = m.predict(ts)
	}
	return m, yhat, nil
}

// predict returns the baseline value at ts in the original scale.
func (m *seasonalModel) predict(ts time.Time) float64 {
	x := m.features(ts)
	var v float64
	for i, b := range m.beta {
		v += b * x[i]
	}
	if m.mode == "multiplicative" {
		return math.Exp(v) - m.scale
	}
	return v
}

// features builds the regression row for one timestamp: intercept, trend in
// days since the first observation, and the Fourier terms of both cycles.
func (m *seasonalModel) features(ts time.Time) []float64 {
	secs := ts.Sub(m.t0).Seconds()
	row := make([]float64, 0, 2+2*dailyHarmonics+2*weeklyHarmonics)
	row = append(row, 1, secs/dayPeriod.Seconds())
	for k := 1; k <= dailyHarmonics; k++ {
		angle := 2 * math.Pi * float64(k) * secs / dayPeriod.Seconds()
		row = append(row, math.Sin(angle), math.Cos(angle))
	}
	for k := 1; k <= weeklyHarmonics; k++ {
		angle := 2 * math.Pi * float64(k) * secs / weekPeriod.Seconds()
		row = append(row, math.Sin(angle), math.Cos(angle))
	}
	return row
}

// solveLeastSquares solves min ||X*beta - y|| via the normal equations. A
// small ridge term keeps the system solvable when the series is too short to
// identify every harmonic.
func solveLeastSquares(x [][]float64, y []float64) ([]float64, error) {
	p := len(x[0])
	ata := make([][]float64, p)
	atb := make([]float64, p)
	for i := range ata {
		ata[i] = make([]float64, p)
	}
	for r, row := range x {
		for i := 0; i < p; i++ {
			for j := i; j < p; j++ {
				ata[i][j] += row[i] * row[j]
			}
			atb[i] += row[i] * y[r]
		}
	}
	ridge := 1e-8 * float64(len(x))
	for i := 0; i < p; i++ {
		for j := 0; j < i; j++ {
			ata[i][j] = ata[j][i]
		}
		ata[i][i] += ridge
	}
	return solveLinear(ata, atb)
}

// solveLinear solves a*x = b by Gaussian elimination with partial pivoting.
// a and b are clobbered.
func solveLinear(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errors.New("singular design matrix")
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			if f == 0 {
				continue
			}
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		v := b[r]
		for c := r + 1; c < n; c++ {
			v -= a[r][c] * x[c]
		}
		x[r] = v / a[r][r]
	}
	return x, nil
}

// rollingStats computes the centered rolling mean and sample standard
// deviation of xs over a window of w points. Positions without a full window
// fall back to the global statistics, mirroring how incomplete windows are
// filled upstream of the 3-sigma test.
func rollingStats(xs []float64, w int) (means, stds []float64) {
	n := len(xs)
	globalMean, globalStd := meanStd(xs)

	means = make([]float64, n)
	stds = make([]float64, n)
	for i := 0; i < n; i++ {
		lo := i - (w - 1 - w/2)
		hi := i + w/2
		if lo < 0 || hi >= n {
			means[i], stds[i] = globalMean, globalStd
			continue
		}
		means[i], stds[i] = meanStd(xs[lo : hi+1])
	}
	return means, stds
}

// meanStd returns the mean and sample (n-1) standard deviation.
func meanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	for _, v := range xs {
		mean += v
	}
	mean /= n
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range xs {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}
