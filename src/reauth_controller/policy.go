package reauth_controller

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/campusnet/portal-keeper/src/config_manager"
)

// Multiplier scales the base backoff after the given failed attempt (1-based).
// It must be non-decreasing in attempt.
type Multiplier func(attempt int) float64

// ConstantMultiplier keeps every retry at the base backoff
func ConstantMultiplier(int) float64 { return 1 }

// LinearMultiplier waits base, 2*base, 3*base, ...
func LinearMultiplier(attempt int) float64 { return float64(attempt) }

// ExponentialMultiplier waits base, 2*base, 4*base, ...
func ExponentialMultiplier(attempt int) float64 { return math.Pow(2, float64(attempt-1)) }

// ParseMultiplier maps the config name of a multiplier to its function
func ParseMultiplier(name string) (Multiplier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "constant":
		return ConstantMultiplier, nil
	case "linear":
		return LinearMultiplier, nil
	case "exponential":
		return ExponentialMultiplier, nil
	default:
		return nil, fmt.Errorf("unknown backoff multiplier %q", name)
	}
}

// RetryPolicy bounds one cycle of login attempts and the waits between them
type RetryPolicy struct {
	MaxAttemptsBeforeCooldown int
	BaseBackoff               time.Duration
	Multiplier                Multiplier
	MaxBackoff                time.Duration // zero means no cap
	Cooldown                  time.Duration
	AttemptTimeout            time.Duration
	CancelCheckInterval       time.Duration
}

// DefaultRetryPolicy is three attempts 30s apart, then a 120s cooldown
func DefaultRetryPolicy() RetryPolicy {
	p, _ := PolicyFromConfig(config_manager.NewDefaultConfig().Retry)
	return p
}

// PolicyFromConfig builds a policy from the retry section of the settings
func PolicyFromConfig(cfg config_manager.RetryConfig) (RetryPolicy, error) {
	mult, err := ParseMultiplier(cfg.BackoffMultiplier)
	if err != nil {
		return RetryPolicy{}, err
	}
	p := RetryPolicy{
		MaxAttemptsBeforeCooldown: cfg.MaxAttemptsBeforeCooldown,
		BaseBackoff:               cfg.BaseBackoff(),
		Multiplier:                mult,
		MaxBackoff:                cfg.MaxBackoff(),
		Cooldown:                  cfg.Cooldown(),
		AttemptTimeout:            cfg.AttemptTimeout(),
		CancelCheckInterval:       cfg.CancelCheckInterval(),
	}
	p.fillDefaults()
	return p, nil
}

func (p *RetryPolicy) fillDefaults() {
	if p.MaxAttemptsBeforeCooldown <= 0 {
		p.MaxAttemptsBeforeCooldown = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 30 * time.Second
	}
	if p.Multiplier == nil {
		p.Multiplier = ConstantMultiplier
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 120 * time.Second
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 180 * time.Second
	}
	if p.CancelCheckInterval <= 0 {
		p.CancelCheckInterval = 500 * time.Millisecond
	}
}

// Backoff is the wait after failed attempt n, for n below the cooldown threshold
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier(attempt)
	if mult < 1 {
		mult = 1
	}
	wait := time.Duration(float64(p.BaseBackoff) * mult)
	// float overflow turns into a negative duration
	if wait < 0 || (p.MaxBackoff > 0 && wait > p.MaxBackoff) {
		if p.MaxBackoff > 0 {
			return p.MaxBackoff
		}
		return time.Duration(math.MaxInt64)
	}
	return wait
}
