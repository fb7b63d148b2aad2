package model

import "time"

// APIKeyUsage records one authenticated API request made with a key. Records
// are appended on the hot request path (best-effort), read back for rate-limit
// window counting and statistics, and pruned past the retention window.
type APIKeyUsage struct {
	ID             int64     `json:"id" db:"id"`
	KeyID          string    `json:"key_id" db:"key_id"`
	Endpoint       string    `json:"endpoint" db:"endpoint"`
	Method         string    `json:"method" db:"method"`
	StatusCode     int       `json:"status_code" db:"status_code"`
	ResponseTimeMs int64     `json:"response_time_ms" db:"response_time_ms"`
	IPAddress      string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent      string    `json:"user_agent,omitempty" db:"user_agent"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
	Error          string    `json:"error,omitempty" db:"error"`
	Schema         string    `json:"schema,omitempty" db:"schema_name"`
}

// UsageStats summarizes a key's usage over a trailing window. A request is
// counted as a success when its status code is below 400.
type UsageStats struct {
	TotalRequests     int64   `json:"total_requests"`
	SuccessCount      int64   `json:"success_count"`
	ErrorCount        int64   `json:"error_count"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}
