package http

// ErrorResponse is the envelope for ops endpoint errors
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an ops endpoint error
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SweepResponse reports how many idle sessions a sweep closed
type SweepResponse struct {
	Swept int `json:"swept"`
}
