package shareapi

import "encoding/base64"

// Config controls HTTP-level behaviour of the object API.
type Config struct {
	// TrustProxy makes client identity honour X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// MaxBodyBytes caps request bodies. Zero derives it from the payload limit.
	MaxBodyBytes int64
}

// bodyLimitFor allows the base64 expansion of maxPayload plus envelope slack.
func bodyLimitFor(maxPayload int64) int64 {
	const slack = 64 << 10
	return int64(base64.StdEncoding.EncodedLen(int(maxPayload))) + slack
}
