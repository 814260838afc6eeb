package handler

import (
	"context"
	"io"
	"sync"
)

// StreamingHandler is the engine side of a session. One instance serves one
// connection; the gateway calls StartUp once after the session starts and
// Shutdown exactly once when it ends.
type StreamingHandler interface {
	StartUp(ctx context.Context) error
	// Receive accepts one supply payload (text for synthesis, encoded audio for recognition).
	Receive(ctx context.Context, payload string) error
	// Emit returns a stream over the output produced for the input received so far.
	Emit() OutputStream
	// OutputSampleRate is the rate outbound audio is converted to outside phone mode.
	OutputSampleRate() int
	PhoneMode() bool
	Shutdown(ctx context.Context) error
}

// Factory creates a handler for a new connection.
type Factory func() (StreamingHandler, error)

// OutputStream is a pull-based sequence of output units. Next returns io.EOF
// once the sequence is exhausted and ctx.Err() if ctx ends while waiting.
type OutputStream interface {
	Next(ctx context.Context) (Output, error)
}

// StreamFunc adapts a function to OutputStream.
type StreamFunc func(ctx context.Context) (Output, error)

func (f StreamFunc) Next(ctx context.Context) (Output, error) {
	return f(ctx)
}

// AudioFrame is one chunk of engine audio. Samples holds any layout the audio
// package can normalize ([]float32, []int16, [][]float32, ...).
type AudioFrame struct {
	SampleRate int
	Samples    any
}

// Output is one unit of a handler's output: an audio frame, an auxiliary
// payload, or both.
type Output struct {
	Frame      *AudioFrame
	Additional any
}

// Split returns the playable frame and the auxiliary payload of the unit.
func (o Output) Split() (*AudioFrame, any) {
	return o.Frame, o.Additional
}

// CloseStream, sent as Output.Additional, ends the output stream early.
type CloseStream struct{}

// IsCloseStream reports whether v is the close-stream sentinel.
func IsCloseStream(v any) bool {
	switch v.(type) {
	case CloseStream, *CloseStream:
		return true
	}
	return false
}

// Transcript is the auxiliary output of speech recognition.
type Transcript struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Duration   float64 `json:"duration,omitempty"` // seconds of audio transcribed
	Utterance  uint64  `json:"utterance"`
}

// FromOutputs returns a stream yielding the given units in order.
func FromOutputs(outputs ...Output) OutputStream {
	var (
		mu   sync.Mutex
		next int
	)
	return StreamFunc(func(ctx context.Context) (Output, error) {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		mu.Lock()
		defer mu.Unlock()
		if next >= len(outputs) {
			return Output{}, io.EOF
		}
		o := outputs[next]
		next++
		return o, nil
	})
}

// Frame is shorthand for an audio-only output unit.
func Frame(sampleRate int, samples any) Output {
	return Output{Frame: &AudioFrame{SampleRate: sampleRate, Samples: samples}}
}
