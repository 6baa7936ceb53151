// Package limiter implements sliding-window ceilings on validation attempts.
//
// Limiters only read. Attempts are counted from the validation audit trail
// (postgres) or from a counter store the audit recorder mirrors into (redis),
// so checking a ceiling never mutates state.
package limiter

import (
	"context"
	"fmt"
	"time"
)

// Scope selects which attribute of an attempt a ceiling applies to.
type Scope string

const (
	ScopeDevice  Scope = "device"
	ScopeAddress Scope = "address"
)

// Policy is a ceiling of Max attempts inside a trailing Window.
// A zero Max disables the ceiling.
type Policy struct {
	Window time.Duration
	Max    int
}

// Limiter reports whether a key still has room inside its trailing window.
type Limiter interface {
	// Allow reports whether fewer than p.Max attempts were recorded for key within p.Window.
	Allow(ctx context.Context, scope Scope, key string, p Policy) (bool, error)
}

// Policies holds the per-device and per-address ceilings.
type Policies struct {
	Device  Policy
	Address Policy
}

// AllowAttempt checks the device ceiling first and then, when the source
// address is known, the address ceiling.
func AllowAttempt(ctx context.Context, l Limiter, p Policies, deviceID, address string) (bool, error) {
	if p.Device.Max > 0 {
		ok, err := l.Allow(ctx, ScopeDevice, deviceID, p.Device)
		if err != nil {
			return false, fmt.Errorf("device ceiling: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	if address != "" && p.Address.Max > 0 {
		ok, err := l.Allow(ctx, ScopeAddress, address, p.Address)
		if err != nil {
			return false, fmt.Errorf("address ceiling: %w", err)
		}
		return ok, nil
	}
	return true, nil
}
