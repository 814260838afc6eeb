// Command mock-engine serves fake transcription and synthesis endpoints for
// running the gateway locally without real speech engines.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/skypro1111/stream-gateway/internal/audio"
	"github.com/skypro1111/stream-gateway/internal/handler/tts"
	"github.com/skypro1111/stream-gateway/internal/transcription"
)

const (
	toneFrequency = 440.0
	toneAmplitude = 0.3
	perCharacter  = 60 * time.Millisecond
	maxTone       = 10 * time.Second
	writeChunk    = 100 * time.Millisecond
)

type mockServer struct {
	logger *slog.Logger
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := &mockServer{logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/transcribe", s.handleTranscribe).Methods(http.MethodPost)
	r.HandleFunc("/synthesize", s.handleSynthesize).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)

	logger.Info("Mock engine listening",
		slog.String("addr", *addr),
		slog.String("transcribe", "POST /transcribe"),
		slog.String("synthesize", "POST /synthesize"),
	)
	if err := http.ListenAndServe(*addr, r); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func (s *mockServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	_, info, err := audio.DecodeWAV(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid audio: %v", err), http.StatusBadRequest)
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = "en"
	}
	requestID := r.FormValue("request_id")

	s.logger.Info("Transcription request",
		slog.String("request_id", requestID),
		slog.String("session_id", r.FormValue("session_id")),
		slog.String("filename", header.Filename),
		slog.Int("bytes", len(data)),
		slog.Int("sample_rate", info.SampleRate),
		slog.Float64("duration", info.Duration),
	)

	// Simulate processing time
	time.Sleep(50 * time.Millisecond)

	resp := transcription.Response{
		Text:       fmt.Sprintf("Mock transcription of %.2f seconds of audio", info.Duration),
		Confidence: 0.95,
		Language:   language,
		Duration:   info.Duration,
		RequestID:  requestID,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to write response", slog.String("error", err.Error()))
	}
}

func (s *mockServer) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req tts.SynthesisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" || req.SampleRate <= 0 {
		http.Error(w, "text and sample_rate are required", http.StatusBadRequest)
		return
	}

	total := time.Duration(len([]rune(req.Text))) * perCharacter
	if total > maxTone {
		total = maxTone
	}
	samples := int(total.Seconds() * float64(req.SampleRate))

	s.logger.Info("Synthesis request",
		slog.String("request_id", req.RequestID),
		slog.String("session_id", req.SessionID),
		slog.String("voice", req.Voice),
		slog.Int("sample_rate", req.SampleRate),
		slog.Duration("duration", total),
	)

	w.Header().Set("Content-Type", "audio/L16")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	chunk := int(writeChunk.Seconds() * float64(req.SampleRate))
	buf := make([]byte, 0, chunk*2)
	for i := 0; i < samples; i++ {
		v := toneAmplitude * math.Sin(2*math.Pi*toneFrequency*float64(i)/float64(req.SampleRate))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(v*math.MaxInt16)))
		if len(buf) == cap(buf) || i == samples-1 {
			if _, err := w.Write(buf); err != nil {
				s.logger.Debug("Client went away", slog.String("request_id", req.RequestID))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			buf = buf[:0]
		}
	}
}
