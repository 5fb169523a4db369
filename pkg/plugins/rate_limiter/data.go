package rate_limiter

type RateLimiterData struct {
	RateLimitExceeded bool   `json:"rate_limit_exceeded"`
	ExceededWindow    string `json:"exceeded_window"` // e.g. "minute", "burst"
	RetryAfter        int    `json:"retry_after"`     // in seconds
	CurrentCount      int64  `json:"current_count"`
	Limit             int    `json:"limit"`
	Window            string `json:"window"` // e.g. "1h", "5m"
	Banned            bool   `json:"banned"`
}
