// Package models holds the persistent entity types shared across the
// database, orchestrator, and REST layers.
package models

import "time"

// ErrorResponse is the JSON body returned for any failed request.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}
