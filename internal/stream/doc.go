// Package stream runs client sessions over a message connection.
//
// A Session owns one connection and one streaming handler. Its receive loop
// moves through awaiting_start, active and terminated as the client sends
// start, text/media and stop events. Handler output is drained by a single
// emit loop that converts each audio frame to base64 mu-law, paces frames in
// real time and closes every completed stream with stream_finished.
//
// Manager is the in-process Registry: it maps session ids to sessions, keeps
// a bounded log of auxiliary handler outputs and closes idle sessions.
package stream
