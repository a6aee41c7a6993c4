package scheduler

import "time"

type BackoffConfig struct {
	BaseDelay   time.Duration // e.g. 30s
	MaxDelay    time.Duration // e.g. 6h
	CapExponent int           // e.g. 16
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay:   30 * time.Second,
		MaxDelay:    6 * time.Hour,
		CapExponent: 16,
	}
}

// Delay returns min(BaseDelay * 2^min(prior, CapExponent), MaxDelay), where
// prior is the number of failed attempts before this one. The first failure
// (prior=0) waits BaseDelay: 30s, 60s, 120s... up to 6h.
func (b BackoffConfig) Delay(prior int) time.Duration {
	if b.BaseDelay <= 0 {
		b.BaseDelay = 30 * time.Second
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 6 * time.Hour
	}
	if b.CapExponent <= 0 || b.CapExponent > 30 {
		b.CapExponent = 16
	}
	if prior < 0 {
		prior = 0
	}

	exp := min(prior, b.CapExponent)
	delay := b.BaseDelay << exp
	// shifting a large base can overflow into a negative duration
	if delay <= 0 || delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return delay
}
