// Package handler defines the contract between the session gateway and a
// streaming speech engine: the StreamingHandler lifecycle, the pull-based
// OutputStream and the units it yields.
package handler
