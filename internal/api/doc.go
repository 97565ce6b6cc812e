// Package api implements the HTTP handlers for task submission,
// cancellation, statistics, and history.
package api
