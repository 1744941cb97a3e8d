package api

import "time"

// QueryResponse represents the standard query response format
type QueryResponse struct {
	Data      interface{} `json:"data"`
	Count     int         `json:"count,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
	QueriedAt time.Time   `json:"queried_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}
