package media

import (
	"context"
	"math"
	"math/cmplx"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mjibson/go-dsp/fft"
	"go.uber.org/zap"
)

const (
	fftSize  = 512
	binCount = fftSize / 2

	// Decibel range mapped onto the 0-255 byte scale.
	minDecibels = -100.0
	maxDecibels = -30.0
)

// AnalyserConfig tunes voice activity detection.
type AnalyserConfig struct {
	// Threshold on the 0-255 averaged spectrum scale.
	Threshold int
	// Tick is how often the spectrum is evaluated.
	Tick time.Duration
}

func (c AnalyserConfig) withDefaults() AnalyserConfig {
	if c.Threshold <= 0 {
		c.Threshold = 20
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	return c
}

// Analyser detects voice activity from raw capture samples. Every tick
// it runs an FFT over the most recent samples, averages the byte-scaled
// magnitude of the lower half of the spectrum and compares it against
// the threshold. A muted analyser always reports silence regardless of
// what the capture delivers.
type Analyser struct {
	cfg    AnalyserConfig
	logger *zap.SugaredLogger

	mu    sync.Mutex
	ring  [fftSize]float64
	write int
	filled bool

	muted    atomic.Bool
	speaking atomic.Bool
	onChange func(bool)
}

func NewAnalyser(cfg AnalyserConfig, onChange func(bool), logger *zap.SugaredLogger) *Analyser {
	return &Analyser{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		onChange: onChange,
	}
}

// Push feeds capture samples into the ring. Safe to call from the
// device callback.
func (a *Analyser) Push(pcm []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range pcm {
		a.ring[a.write] = float64(s) / 32768.0
		a.write++
		if a.write == fftSize {
			a.write = 0
			a.filled = true
		}
	}
}

// SetMuted flips the mute flag. Muting while speaking emits an
// immediate not-speaking transition.
func (a *Analyser) SetMuted(muted bool) {
	a.muted.Store(muted)
	if muted && a.speaking.CompareAndSwap(true, false) && a.onChange != nil {
		a.onChange(false)
	}
}

func (a *Analyser) Muted() bool {
	return a.muted.Load()
}

func (a *Analyser) Speaking() bool {
	return a.speaking.Load()
}

// Run evaluates the spectrum until ctx is done.
func (a *Analyser) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.evaluate()
		}
	}
}

func (a *Analyser) evaluate() {
	speaking := false
	if !a.muted.Load() {
		speaking = a.Level() >= a.cfg.Threshold
	}
	if a.speaking.Load() != speaking {
		a.speaking.Store(speaking)
		if a.onChange != nil {
			a.onChange(speaking)
		}
	}
}

// Level returns the current averaged spectrum magnitude on the 0-255
// scale.
func (a *Analyser) Level() int {
	a.mu.Lock()
	if !a.filled && a.write == 0 {
		a.mu.Unlock()
		return 0
	}
	samples := make([]float64, fftSize)
	// Oldest sample first so the window lines up with capture order.
	idx := a.write
	for i := 0; i < fftSize; i++ {
		samples[i] = a.ring[idx]
		idx++
		if idx == fftSize {
			idx = 0
		}
	}
	a.mu.Unlock()

	for i := range samples {
		samples[i] *= 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}

	spectrum := fft.FFTReal(samples)

	var sum float64
	for i := 0; i < binCount; i++ {
		mag := cmplx.Abs(spectrum[i]) / float64(binCount)
		db := 20 * math.Log10(mag+1e-12)
		v := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		sum += v
	}
	return int(sum / binCount)
}
