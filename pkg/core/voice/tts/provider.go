// Package tts provides text-to-speech functionality.
package tts

import (
	"context"
	"sync"
)

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// SynthesizeStream converts text to streaming audio.
	SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice  string  // Voice identifier
	Speed  float64 // Speed multiplier (0.25-4.0, default 1.0)
	Format string  // Output format: "mp3", "wav", "opus", or "pcm"
	Model  string  // Provider-specific model (default: "tts-1")
}

// SynthesisStream provides streaming audio output.
type SynthesisStream struct {
	chunks   chan []byte
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

// NewSynthesisStream creates a new synthesis stream.
func NewSynthesisStream() *SynthesisStream {
	return &SynthesisStream{
		chunks: make(chan []byte, 100),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of audio chunks. The channel is closed once the
// upstream body is exhausted or the stream is aborted.
func (s *SynthesisStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err blocks until the stream finishes and returns any error that occurred.
func (s *SynthesisStream) Err() error {
	<-s.done
	return s.err
}

// Close aborts the stream. Safe to call more than once.
func (s *SynthesisStream) Close() error {
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

// SetError sets the stream error. Must be called before FinishSending.
func (s *SynthesisStream) SetError(err error) {
	s.err = err
}

// Send sends a chunk to the stream. Returns false if the stream is closed.
func (s *SynthesisStream) Send(chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// FinishSending closes the chunks channel to signal completion. After this
// call Err reports the final stream error.
func (s *SynthesisStream) FinishSending() {
	close(s.chunks)
	s.doneOnce.Do(func() { close(s.done) })
}
