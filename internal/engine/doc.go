// Package engine holds the HTTP plumbing shared by the speech engine clients:
// typed status errors, retry classification and exponential backoff.
package engine
