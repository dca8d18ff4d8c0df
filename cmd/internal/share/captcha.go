package share

import (
	"context"
	"net"
)

// CaptchaVerifier verifies caller-provided captcha tokens on create.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token string, ip net.IP) error
}

// NoopCaptchaVerifier accepts every token.
type NoopCaptchaVerifier struct{}

func (NoopCaptchaVerifier) Verify(_ context.Context, _ string, _ net.IP) error { return nil }
