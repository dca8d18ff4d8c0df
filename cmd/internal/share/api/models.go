package shareapi

import "time"

// Byte fields travel as standard base64 strings.
type createRequest struct {
	Ciphertext        []byte `json:"ciphertext"`
	IV                []byte `json:"iv"`
	Salt              []byte `json:"salt,omitempty"`
	Name              string `json:"name,omitempty"`
	ContentType       string `json:"content_type,omitempty"`
	SizeBytes         int64  `json:"size_bytes"`
	SingleConsumption *bool  `json:"single_consumption,omitempty"`
	TTLSeconds        int64  `json:"ttl_seconds,omitempty"`
	Captcha           string `json:"captcha,omitempty"`
}

type createResponse struct {
	ID                string    `json:"id"`
	ExpiresAt         time.Time `json:"expires_at"`
	RevokeToken       string    `json:"revoke_token"`
	SingleConsumption bool      `json:"single_consumption"`
	SizeBytes         int64     `json:"size_bytes"`
}

type metadataResponse struct {
	ID                string    `json:"id"`
	Name              string    `json:"name,omitempty"`
	ContentType       string    `json:"content_type,omitempty"`
	SizeBytes         int64     `json:"size_bytes"`
	SingleConsumption bool      `json:"single_consumption"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type consumeResponse struct {
	metadataResponse
	Ciphertext    []byte `json:"ciphertext"`
	IV            []byte `json:"iv"`
	Salt          []byte `json:"salt,omitempty"`
	ConsumedCount int    `json:"consumed_count"`
}

type rateLimitInfo struct {
	Class         string `json:"class"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
}

type statusResponse struct {
	MaxPayloadBytes   int64           `json:"max_payload_bytes"`
	MaxPayloadHuman   string          `json:"max_payload_human"`
	MinTTLSeconds     int64           `json:"min_ttl_seconds"`
	MaxTTLSeconds     int64           `json:"max_ttl_seconds"`
	DefaultTTLSeconds int64           `json:"default_ttl_seconds"`
	RateLimits        []rateLimitInfo `json:"rate_limits"`
}
