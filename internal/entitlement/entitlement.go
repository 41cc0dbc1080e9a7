// Package entitlement gates subscription-only phases.
package entitlement

import "context"

// Checker answers whether a user may enter the roadmap and implementation
// phases. Payment plumbing lives outside this service; deployments plug in
// their billing integration here.
type Checker interface {
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)
}

// Static grants or denies every user. Used in development and as the
// default when no billing integration is configured.
type Static struct {
	Active bool
}

func (s Static) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	return s.Active, nil
}
