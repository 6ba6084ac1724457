package dto

// TSAAuthority describes a configured timestamp authority.
type TSAAuthority struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	RequiresAuth bool   `json:"requires_auth"`

	// Available is set only when the authority was probed.
	Available  *bool  `json:"available,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMS  int64  `json:"latency_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TSAListResponse lists the authorities in fallback order.
type TSAListResponse struct {
	Encoding    string         `json:"encoding"`
	Tested      bool           `json:"tested"`
	Authorities []TSAAuthority `json:"authorities"`
}
