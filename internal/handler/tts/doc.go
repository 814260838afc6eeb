// Package tts implements a text-to-speech StreamingHandler backed by an HTTP
// synthesis API that streams raw PCM.
package tts
