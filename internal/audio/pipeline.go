package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tabscribe/bridge/internal/logging"
)

// Acquisition errors. The capture flow maps these onto the reply error
// kinds shown to the popup and the desktop app.
var (
	// ErrPermissionDenied means the user dismissed or denied the capture
	// picker on the page side.
	ErrPermissionDenied = errors.New("capture permission denied")
	// ErrNoAudioTrack means capture was granted but the chosen surface
	// carries no audio, usually because "share audio" was left unchecked.
	ErrNoAudioTrack = errors.New("captured stream has no audio track")
)

// Handle is a live page-side capture. The pipeline validates it at
// construction and is the only caller of its teardown methods.
type Handle interface {
	AudioTracks() int
	VideoTracks() int
	// StopVideo stops video tracks only, leaving audio flowing.
	StopVideo(ctx context.Context) error
	// DisconnectProcessor detaches the script processor node.
	DisconnectProcessor(ctx context.Context) error
	// CloseAudioContext closes the audio context feeding the processor.
	CloseAudioContext(ctx context.Context) error
	// StopTracks stops every remaining track of the captured stream.
	StopTracks(ctx context.Context) error
}

// Config sizes the pipeline. Zero fields take the package defaults.
type Config struct {
	SampleRate int
	BufferSize int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// Pipeline turns raw float PCM pushed from the page into fixed-size int16
// frames and hands them to emit. One pipeline exists per capture session.
type Pipeline struct {
	handle Handle
	cfg    Config
	emit   func(Frame)
	log    *slog.Logger

	active atomic.Bool

	mu          sync.Mutex
	pending     []int16
	pendingRate int

	frames  atomic.Int64
	dropped atomic.Int64

	teardownOnce sync.Once
	teardownErr  error
}

// NewPipeline validates a freshly granted capture and starts accepting
// audio. A handle without audio tracks is released immediately and
// ErrNoAudioTrack returned. Video tracks are stopped right away since only
// audio leaves the machine.
func NewPipeline(ctx context.Context, handle Handle, cfg Config, emit func(Frame)) (*Pipeline, error) {
	p := &Pipeline{
		handle: handle,
		cfg:    cfg.withDefaults(),
		emit:   emit,
		log:    logging.L("audio"),
	}

	if handle.AudioTracks() < 1 {
		// The grant still holds tracks (video, typically); stop them so
		// the browser's capture indicator goes away.
		if err := handle.StopTracks(ctx); err != nil {
			p.log.Warn("releasing trackless capture failed", logging.KeyError, err)
		}
		return nil, ErrNoAudioTrack
	}

	if n := handle.VideoTracks(); n > 0 {
		if err := handle.StopVideo(ctx); err != nil {
			p.log.Warn("stopping video tracks failed", logging.KeyError, err)
		} else {
			p.log.Debug("stopped video tracks", "count", n)
		}
	}

	p.active.Store(true)
	p.log.Info("pipeline started",
		"sample_rate", p.cfg.SampleRate,
		"buffer_size", p.cfg.BufferSize,
		"audio_tracks", handle.AudioTracks())
	return p, nil
}

// Push accepts one buffer of float PCM from the page peer, converts it,
// and emits complete frames of BufferSize samples. Short remainders carry
// over to the next push. Buffers arriving after teardown are dropped.
func (p *Pipeline) Push(pcm []float32, sampleRate int) {
	if !p.active.Load() {
		p.dropped.Add(1)
		return
	}
	if len(pcm) == 0 {
		return
	}
	if sampleRate <= 0 {
		sampleRate = p.cfg.SampleRate
	}

	converted := ConvertFloat32(pcm)

	p.mu.Lock()
	if p.pendingRate != sampleRate && len(p.pending) > 0 {
		p.log.Debug("sample rate changed mid-stream, discarding partial frame",
			"had", p.pendingRate, "now", sampleRate, "samples", len(p.pending))
		p.pending = p.pending[:0]
	}
	p.pendingRate = sampleRate
	p.pending = append(p.pending, converted...)

	var out []Frame
	for len(p.pending) >= p.cfg.BufferSize {
		frame := make([]int16, p.cfg.BufferSize)
		copy(frame, p.pending[:p.cfg.BufferSize])
		out = append(out, Frame{Samples: frame, SampleRate: sampleRate})
		p.pending = append(p.pending[:0], p.pending[p.cfg.BufferSize:]...)
	}
	p.mu.Unlock()

	for _, f := range out {
		p.frames.Add(1)
		if p.emit != nil {
			p.emit(f)
		}
	}
}

// Teardown releases the capture in a fixed order: processor node first,
// then audio context, then tracks. Every step runs even when an earlier
// one fails, and the combined error is returned. Subsequent calls return
// the first call's result without touching the handle again.
func (p *Pipeline) Teardown(ctx context.Context) error {
	p.teardownOnce.Do(func() {
		p.active.Store(false)

		p.mu.Lock()
		if n := len(p.pending); n > 0 {
			p.log.Debug("discarding partial frame at teardown", "samples", n)
			p.pending = nil
		}
		p.mu.Unlock()

		var errs []error
		if err := p.handle.DisconnectProcessor(ctx); err != nil {
			p.log.Warn("disconnect processor failed", logging.KeyError, err)
			errs = append(errs, fmt.Errorf("disconnect processor: %w", err))
		}
		if err := p.handle.CloseAudioContext(ctx); err != nil {
			p.log.Warn("close audio context failed", logging.KeyError, err)
			errs = append(errs, fmt.Errorf("close audio context: %w", err))
		}
		if err := p.handle.StopTracks(ctx); err != nil {
			p.log.Warn("stop tracks failed", logging.KeyError, err)
			errs = append(errs, fmt.Errorf("stop tracks: %w", err))
		}
		p.teardownErr = errors.Join(errs...)

		p.log.Info("pipeline stopped",
			"frames", p.frames.Load(),
			"dropped", p.dropped.Load())
	})
	return p.teardownErr
}

// Active reports whether the pipeline still accepts audio.
func (p *Pipeline) Active() bool { return p.active.Load() }

// FramesEmitted returns the number of complete frames handed to emit.
func (p *Pipeline) FramesEmitted() int64 { return p.frames.Load() }

// Dropped returns the number of buffers discarded after teardown began.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }
