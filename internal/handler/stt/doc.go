// Package stt implements a speech-to-text StreamingHandler. Inbound audio is
// classified by VAD, cut into utterances on pauses and sent to the
// transcription API; transcripts are emitted as auxiliary outputs.
package stt
