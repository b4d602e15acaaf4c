package subscription

// Input is the creation payload for a subscription.
type Input struct {
	TenantID    string `json:"tenant_id"`
	URL         string `json:"url"`
	Description string `json:"description"`

	// Secret is generated when empty.
	Secret string `json:"secret,omitempty"`

	Events  []string          `json:"events"`
	Filters map[string]any    `json:"filters,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Inactive creates the subscription disabled.
	Inactive bool `json:"inactive,omitempty"`

	// RetryPolicy falls back to the service default when nil.
	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`

	RateLimit int               `json:"rate_limit"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	URL         *string           `json:"url,omitempty"`
	Description *string           `json:"description,omitempty"`
	Secret      *string           `json:"secret,omitempty"`
	Events      []string          `json:"events,omitempty"`
	Filters     map[string]any    `json:"filters,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Active      *bool             `json:"active,omitempty"`
	RetryPolicy *RetryPolicy      `json:"retry_policy,omitempty"`
	RateLimit   *int              `json:"rate_limit,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
