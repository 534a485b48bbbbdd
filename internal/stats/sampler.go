package stats

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialwire/agentlink/internal/metrics"
	"github.com/dialwire/agentlink/pkg/telephony"
)

// audibleLevel is the inbound audio level above which any lingering local
// ring indication is stopped.
const audibleLevel = 0.0

// Sample is the normalized per-tick network quality report.
type Sample struct {
	LatencyMs      int     `json:"latencyTime"`
	UpLossRate     float64 `json:"upLossRate"`
	DownLossRate   float64 `json:"downLossRate"`
	UpAudioLevel   float64 `json:"upAudioLevel"`
	DownAudioLevel float64 `json:"downAudioLevel"`
}

// Source reads raw transport statistics for the active call. Any
// telephony.Session satisfies it.
type Source interface {
	ReadStats() (telephony.TransportStats, error)
}

// Sampler polls transport statistics once per interval while a call has
// active media and emits a normalized Sample each tick. It owns the current
// sample exclusively; the sample resets to zero when the call ends.
type Sampler struct {
	interval time.Duration
	onSample func(Sample)
	onAudble func()
	logger   zerolog.Logger

	mu   sync.Mutex
	stop chan struct{}
	last Sample
}

// NewSampler creates a sampler. onSample receives every tick's report;
// onAudible fires when inbound audio exceeds the ring-stop threshold.
// Either callback may be nil.
func NewSampler(interval time.Duration, onSample func(Sample), onAudible func(), logger zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		interval: interval,
		onSample: onSample,
		onAudble: onAudible,
		logger:   logger.With().Str("component", "sampler").Logger(),
	}
}

// Start begins polling the source. A previous loop, if any, is stopped
// first so at most one loop runs.
func (s *Sampler) Start(src Source) {
	s.mu.Lock()
	s.stopLocked()
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	go s.loop(src, stop)
	s.logger.Debug().Dur("interval", s.interval).Msg("sampling started")
}

// Stop cancels the polling loop and resets the sample to the zero state.
func (s *Sampler) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.last = Sample{}
	s.mu.Unlock()
}

func (s *Sampler) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

// Last returns the most recent sample, or the zero sample when no call is
// being measured.
func (s *Sampler) Last() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sampler) loop(src Source, stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			raw, err := src.ReadStats()
			if err != nil {
				// A failed read is skipped, not retried; the loop continues.
				s.logger.Debug().Err(err).Msg("stats read failed")
				continue
			}
			sample := Normalize(raw)

			s.mu.Lock()
			if s.stop != stop {
				// Stopped while reading; do not publish a stale sample.
				s.mu.Unlock()
				return
			}
			s.last = sample
			s.mu.Unlock()

			metrics.SamplesTotal.Inc()
			if sample.DownAudioLevel > audibleLevel && s.onAudble != nil {
				s.onAudble()
			}
			if s.onSample != nil {
				s.onSample(sample)
			}
		}
	}
}

// Normalize converts raw counters to the per-tick report. Loss rates are 0
// when the corresponding sent counter is 0 and are clamped to [0,1];
// round-trip time is reported in milliseconds.
func Normalize(raw telephony.TransportStats) Sample {
	return Sample{
		LatencyMs:      int(math.Floor(raw.RoundTripTime * 1000)),
		UpLossRate:     lossRate(raw.OutboundPacketsLost, raw.OutboundPacketsSent),
		DownLossRate:   lossRate(raw.InboundPacketsLost, raw.InboundPacketsSent),
		UpAudioLevel:   raw.OutboundAudioLevel,
		DownAudioLevel: raw.InboundAudioLevel,
	}
}

func lossRate(lost, sent int64) float64 {
	if sent <= 0 || lost <= 0 {
		return 0
	}
	rate := float64(lost) / float64(sent)
	if rate > 1 {
		return 1
	}
	return rate
}
