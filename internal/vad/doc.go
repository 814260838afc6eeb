// Package vad provides energy based Voice Activity Detection over fixed-size
// PCM-16 windows, with exponential smoothing and a configurable threshold.
package vad
