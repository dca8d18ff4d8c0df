package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// Class names a governed operation. Each class has its own window per identity.
type Class string

const (
	ClassCreate   Class = "create"
	ClassConsume  Class = "consume"
	ClassMetadata Class = "metadata"
)

// Rule allows Limit requests per fixed Window. A Limit of zero disables the rule.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Policy maps classes to rules. Classes without a rule are not governed.
type Policy map[Class]Rule

// DefaultPolicy returns the stock limits: create 5/1h, consume 10/1h, metadata 30/1m.
func DefaultPolicy() Policy {
	return Policy{
		ClassCreate:   {Limit: 5, Window: time.Hour},
		ClassConsume:  {Limit: 10, Window: time.Hour},
		ClassMetadata: {Limit: 30, Window: time.Minute},
	}
}

// Validate rejects enabled rules with a non-positive window.
func (p Policy) Validate() error {
	for class, rule := range p {
		if rule.Limit < 0 {
			return fmt.Errorf("%w: %s limit %d", ErrInvalidPolicy, class, rule.Limit)
		}
		if rule.Limit > 0 && rule.Window <= 0 {
			return fmt.Errorf("%w: %s window %s", ErrInvalidPolicy, class, rule.Window)
		}
	}
	return nil
}

// Classes returns the governed classes in stable order.
func (p Policy) Classes() []Class {
	out := make([]Class, 0, len(p))
	for c := range p {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy.
func (p Policy) Clone() Policy {
	out := make(Policy, len(p))
	for c, r := range p {
		out[c] = r
	}
	return out
}
