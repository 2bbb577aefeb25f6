package dto

import "github.com/tass-io/langworker/pkg/dispatcher"

// InvokeRequest is the body of a function invocation
type InvokeRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
}

// Response is the body of every function route
type Response struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Result  map[string]interface{} `json:"result,omitempty"`
}

// FunctionsResponse lists the loaded functions
type FunctionsResponse struct {
	Functions []string `json:"functions"`
}

// HealthResponse is unhealthy when a runtime has failed
type HealthResponse struct {
	Healthy bool     `json:"healthy"`
	Failed  []string `json:"failed,omitempty"`
}

// RuntimesResponse is the snapshot of every initialized runtime, by runtime key
type RuntimesResponse struct {
	Runtimes map[string]dispatcher.Snapshot `json:"runtimes"`
}
