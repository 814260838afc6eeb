package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skypro1111/stream-gateway/internal/audio"
	"github.com/skypro1111/stream-gateway/internal/handler"
)

// drainOutcome is how one pass over the handler's output ended
type drainOutcome int

const (
	drainFinished drainOutcome = iota
	drainCancelled
	drainFailed
)

func (o drainOutcome) String() string {
	switch o {
	case drainCancelled:
		return "cancelled"
	case drainFailed:
		return "failed"
	default:
		return "finished"
	}
}

// scheduleEmit starts the emit loop, or marks input as pending for the loop
// already running so it drains again once the current stream is finished.
func (s *Session) scheduleEmit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return
	}
	if s.emit != nil {
		s.pending = true
		return
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	task := &emitTask{cancel: cancel, done: make(chan struct{})}
	s.emit = task
	s.pending = false

	s.metrics.RecordEmitLoop()
	go s.emitLoop(ctx, task)
}

// stopEmit cancels the running emit loop and waits a bounded time for it
func (s *Session) stopEmit() {
	s.mu.Lock()
	task := s.emit
	s.mu.Unlock()

	if task == nil {
		return
	}
	task.cancel()

	select {
	case <-task.done:
	case <-time.After(s.config.EmitStopTimeout):
		s.logger.Warn("Emit loop did not stop in time",
			slog.String("session_id", s.ID()),
			slog.Duration("timeout", s.config.EmitStopTimeout))
	}
}

func (s *Session) emitLoop(ctx context.Context, task *emitTask) {
	defer func() {
		task.cancel()
		s.mu.Lock()
		if s.emit == task {
			s.emit = nil
		}
		s.mu.Unlock()
		close(task.done)
	}()

	for {
		outcome := s.drain(ctx)
		s.logger.Debug("Emit pass ended",
			slog.String("session_id", s.ID()),
			slog.String("outcome", outcome.String()))

		// pending is checked and the slot released under one lock.
		s.mu.Lock()
		again := outcome != drainCancelled && s.pending && ctx.Err() == nil
		s.pending = false
		if !again && s.emit == task {
			s.emit = nil
		}
		s.mu.Unlock()

		if !again {
			return
		}
	}
}

// drain sends every unit of one handler output stream. stream_finished is
// sent only when the stream is exhausted.
func (s *Session) drain(ctx context.Context) (outcome drainOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in emit loop",
				slog.String("session_id", s.ID()),
				slog.Any("panic", r))
			s.metrics.RecordEmitError("panic")
			outcome = drainFailed
		}
	}()

	stream := s.handler.Emit()
	if stream == nil {
		// No output at all ends like an empty stream.
		stream = handler.FromOutputs()
	}

	for {
		if ctx.Err() != nil {
			return drainCancelled
		}

		out, err := stream.Next(ctx)
		if ctx.Err() != nil {
			return drainCancelled
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Error("Handler output failed",
				slog.String("session_id", s.ID()),
				slog.String("error", err.Error()))
			s.metrics.RecordEmitError("handler")
			return drainFailed
		}

		frame, extra := out.Split()
		if extra != nil {
			s.deliver(extra)
			if handler.IsCloseStream(extra) {
				break
			}
		}
		if frame == nil {
			continue
		}

		sent, err := s.sendFrame(frame)
		if err != nil {
			s.logger.Debug("Stopping emit loop",
				slog.String("session_id", s.ID()),
				slog.String("error", err.Error()))
			return drainCancelled
		}
		if !sent {
			continue
		}

		if s.config.PacingInterval > 0 {
			timer := time.NewTimer(s.config.PacingInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return drainCancelled
			case <-timer.C:
			}
		}
	}

	if err := s.send(OutboundMessage{Event: EventStreamFinished, Message: s.config.FinishedMessage}, true); err != nil {
		s.logger.Debug("stream_finished not sent",
			slog.String("session_id", s.ID()),
			slog.String("error", err.Error()))
		return drainCancelled
	}
	s.metrics.RecordStreamFinished()
	return drainFinished
}

// deliver passes an auxiliary output to the registry sink
func (s *Session) deliver(v any) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	s.metrics.RecordAdditionalOutput(additionalKind(v))
	if sink != nil {
		sink(v)
	}
}

func additionalKind(v any) string {
	switch v.(type) {
	case handler.CloseStream, *handler.CloseStream:
		return "close_stream"
	case handler.Transcript, *handler.Transcript:
		return "transcript"
	case string:
		return "text"
	}
	return "other"
}

// targetRate picks the rate outbound audio is converted to
func (s *Session) targetRate(frameRate int) int {
	if s.handler.PhoneMode() {
		return s.config.PhoneSampleRate
	}
	if rate := s.handler.OutputSampleRate(); rate > 0 {
		return rate
	}
	return frameRate
}

// sendFrame converts and sends one frame. It reports false for frames that
// were skipped; an error means the session can no longer send.
func (s *Session) sendFrame(frame *handler.AudioFrame) (bool, error) {
	n, err := audio.FrameLength(frame.Samples)
	if err != nil || frame.SampleRate <= 0 {
		if err == nil {
			err = fmt.Errorf("invalid sample rate %d", frame.SampleRate)
		}
		s.logger.Warn("Skipping frame",
			slog.String("session_id", s.ID()),
			slog.String("error", err.Error()))
		s.metrics.RecordEmitError("encode")
		return false, nil
	}
	if n == 0 {
		return false, nil
	}

	encoded, err := audio.ToMuLaw(frame.Samples, frame.SampleRate, s.targetRate(frame.SampleRate))
	if err != nil {
		s.logger.Warn("Skipping frame",
			slog.String("session_id", s.ID()),
			slog.String("error", err.Error()))
		s.metrics.RecordEmitError("encode")
		return false, nil
	}

	duration := float64(n) / float64(frame.SampleRate)
	payload := base64.StdEncoding.EncodeToString(encoded)
	if err := s.sendMedia(payload, duration); err != nil {
		return false, err
	}

	s.metrics.RecordFrameSent(duration, len(encoded))
	return true, nil
}

// sendMedia writes one media event and appends its duration to the playback
// ledger under the same write lock, so the ledger matches what was sent.
func (s *Session) sendMedia(payload string, duration float64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isTerminated() {
		return ErrSessionTerminated
	}
	if s.ID() == "" {
		return ErrNoSession
	}

	msg := OutboundMessage{Event: EventMedia, Media: &MediaPayload{Payload: payload}}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write media: %w", err)
	}

	s.mu.Lock()
	s.durations = append(s.durations, duration)
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.framesSent.Add(1)
	return nil
}
