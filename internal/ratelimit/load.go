package ratelimit

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"
)

// LoadFactor maps a normalized host load to the global limit multiplier.
func LoadFactor(load float64) float64 {
	switch {
	case load < 0.7:
		return 1.0
	case load < 0.9:
		return 0.75
	default:
		return 0.5
	}
}

// LoadSource reports host load normalized so that 1.0 means saturated.
type LoadSource interface {
	Load() (float64, error)
}

// LoadTarget receives sampled load.
type LoadTarget interface {
	SetLoad(load float64)
}

// ProcfsLoad reads the one-minute load average divided by the CPU count.
type ProcfsLoad struct {
	fs   procfs.FS
	cpus int
}

func NewProcfsLoad() (*ProcfsLoad, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("ratelimit.NewProcfsLoad: %w", err)
	}
	return &ProcfsLoad{fs: fs, cpus: runtime.NumCPU()}, nil
}

func (p *ProcfsLoad) Load() (float64, error) {
	avg, err := p.fs.LoadAvg()
	if err != nil {
		return 0, fmt.Errorf("ratelimit.ProcfsLoad.Load: %w", err)
	}
	return avg.Load1 / float64(p.cpus), nil
}

// RuntimeLoad approximates load from the goroutine count where procfs is
// unavailable.
type RuntimeLoad struct {
	Capacity int
}

func (p RuntimeLoad) Load() (float64, error) {
	capacity := p.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	return float64(runtime.NumGoroutine()) / float64(capacity), nil
}

// DefaultLoadSource prefers procfs and falls back to the runtime source.
func DefaultLoadSource() LoadSource {
	p, err := NewProcfsLoad()
	if err != nil {
		log.Warn().Err(err).Msg("procfs unavailable, falling back to runtime load")
		return RuntimeLoad{}
	}
	if _, err := p.Load(); err != nil {
		log.Warn().Err(err).Msg("procfs loadavg unreadable, falling back to runtime load")
		return RuntimeLoad{}
	}
	return p
}

// Sampler periodically feeds load readings to a target.
type Sampler struct {
	source   LoadSource
	target   LoadTarget
	interval time.Duration
	observe  func(float64)
}

func NewSampler(source LoadSource, target LoadTarget, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sampler{source: source, target: target, interval: interval}
}

// OnSample registers a callback for each successful reading.
func (s *Sampler) OnSample(fn func(load float64)) {
	s.observe = fn
}

// SampleOnce takes one reading. A failed reading leaves the target untouched.
func (s *Sampler) SampleOnce() error {
	load, err := s.source.Load()
	if err != nil {
		return fmt.Errorf("ratelimit.Sampler.SampleOnce: %w", err)
	}
	s.target.SetLoad(load)
	if s.observe != nil {
		s.observe(load)
	}
	return nil
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.SampleOnce(); err != nil {
		log.Warn().Err(err).Msg("load sample failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SampleOnce(); err != nil {
				log.Warn().Err(err).Msg("load sample failed")
			}
		}
	}
}
