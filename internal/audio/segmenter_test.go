package audio

import (
	"testing"
	"time"
)

func testSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		SampleRate:         8000,
		MinSpeechDuration:  100 * time.Millisecond, // 800 samples
		MinSilenceDuration: 60 * time.Millisecond,  // 480 samples
		MaxDuration:        time.Second,
	}
}

func window(n int) []int16 {
	w := make([]int16, n)
	for i := range w {
		w[i] = 1000
	}
	return w
}

func TestNewSegmenter(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())
	if !s.IsIdle() {
		t.Error("New segmenter should be idle")
	}
	if s.Flush() != nil {
		t.Error("Flush on idle segmenter should return nil")
	}
}

func TestSegmenterUtterance(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())

	// 5 windows of 160 samples speech = 800 samples
	for i := 0; i < 5; i++ {
		if u := s.Push(window(160), true, 0.8); u != nil {
			t.Fatalf("Unexpected utterance during speech at window %d", i)
		}
	}
	if s.IsIdle() {
		t.Fatal("Segmenter should be collecting")
	}

	// Two silent windows are not enough to close
	for i := 0; i < 2; i++ {
		if u := s.Push(window(160), false, 0.2); u != nil {
			t.Fatal("Utterance closed before min silence")
		}
	}
	if got := s.GetStats().State; got != "waiting_silence" {
		t.Errorf("Expected waiting_silence, got %s", got)
	}

	u := s.Push(window(160), false, 0.2)
	if u == nil {
		t.Fatal("Expected utterance after min silence")
	}

	if len(u.Samples) != 8*160 {
		t.Errorf("Expected %d samples, got %d", 8*160, len(u.Samples))
	}
	if u.Speech != 100*time.Millisecond {
		t.Errorf("Expected 100ms speech, got %v", u.Speech)
	}
	if u.Confidence <= 0.2 || u.Confidence >= 0.8 {
		t.Errorf("Unexpected average confidence %v", u.Confidence)
	}
	if !s.IsIdle() {
		t.Error("Segmenter should be idle after utterance")
	}
}

func TestSegmenterDiscardsShortSpeech(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())

	s.Push(window(160), true, 0.9)
	for i := 0; i < 3; i++ {
		if u := s.Push(window(160), false, 0.1); u != nil {
			t.Fatal("Short speech should not produce an utterance")
		}
	}

	stats := s.GetStats()
	if stats.Discarded != 1 {
		t.Errorf("Expected 1 discarded segment, got %d", stats.Discarded)
	}
	if stats.Utterances != 0 {
		t.Errorf("Expected 0 utterances, got %d", stats.Utterances)
	}
}

func TestSegmenterMaxDuration(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())

	var got *Utterance
	for i := 0; i < 100 && got == nil; i++ {
		got = s.Push(window(160), true, 1)
	}
	if got == nil {
		t.Fatal("Expected utterance at max duration")
	}
	if got.Duration != time.Second {
		t.Errorf("Expected 1s utterance, got %v", got.Duration)
	}
}

func TestSegmenterPreRoll(t *testing.T) {
	cfg := testSegmenterConfig()
	cfg.PreRoll = 20 * time.Millisecond // 160 samples
	s := NewSegmenter(cfg)

	s.Push(window(160), false, 0)
	s.Push(window(160), false, 0)
	for i := 0; i < 5; i++ {
		s.Push(window(160), true, 1)
	}

	u := s.Flush()
	if u == nil {
		t.Fatal("Expected utterance on flush")
	}
	if len(u.Samples) != 6*160 {
		t.Errorf("Expected pre-roll plus speech (%d samples), got %d", 6*160, len(u.Samples))
	}
}
