// Package audio converts between sample layouts and wire encodings.
// It normalizes engine output to channel-major float samples, resamples with a
// windowed-sinc kernel, quantizes to PCM-16 and compands to G.711 mu-law. It also
// cuts VAD-classified input into utterances and encodes them as WAV for transcription.
package audio
