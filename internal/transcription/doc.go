// Package transcription implements the HTTP client for the transcription API.
// Utterances are uploaded as WAV in a multipart form together with their
// session metadata; transient failures are retried with exponential backoff.
package transcription
