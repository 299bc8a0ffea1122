// Package limits provides quota validation functions.
// All functions are pure (no I/O); the registry supplies current counts.
package limits

import "fmt"

// =============================================================================
// Types
// =============================================================================

// ValidationResult represents the outcome of a quota check.
type ValidationResult struct {
	// Allowed indicates whether the operation is permitted within quota
	Allowed bool

	// Reason explains why the operation was rejected (empty if Allowed is true)
	Reason string
}

// =============================================================================
// Validation Functions
// =============================================================================

// ValidateDeploymentCreation checks whether a project may gain another live
// deployment. Terminal deployments are retained as history and never count.
// A maxLive of zero or below disables the quota.
func ValidateDeploymentCreation(liveCount, maxLive int) ValidationResult {
	if maxLive <= 0 {
		return ValidationResult{Allowed: true}
	}
	if liveCount >= maxLive {
		return ValidationResult{
			Allowed: false,
			Reason:  fmt.Sprintf("live deployment limit reached: %d/%d", liveCount, maxLive),
		}
	}
	return ValidationResult{Allowed: true}
}

// =============================================================================
// Convenience Methods
// =============================================================================

// Ok returns true if the validation passed.
func (r ValidationResult) Ok() bool {
	return r.Allowed
}

// Error returns the reason as an error if validation failed, nil otherwise.
func (r ValidationResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("quota exceeded: %s", r.Reason)
}
