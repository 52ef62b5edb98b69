package billing

import "errors"

var (
	// ErrUserNotFound is returned when the paying or named user does not exist.
	ErrUserNotFound = errors.New("billing: user not found")
	// ErrPlanNotFound is returned when the provider has no such plan.
	ErrPlanNotFound = errors.New("billing: plan not found")
	// ErrPlanResolution is returned when the plan behind a checkout cannot be determined.
	ErrPlanResolution = errors.New("billing: plan could not be resolved")
	// ErrPlanUnavailable is returned when the plan lookup failed and the
	// operation cannot proceed without it.
	ErrPlanUnavailable = errors.New("billing: plan unavailable")
	// ErrSubscriptionNotFound is returned when no local subscription has the external id.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	// ErrGroupNotResolved is returned when the group directory could not be queried.
	ErrGroupNotResolved = errors.New("billing: group could not be resolved")
	// ErrDuplicateEvent marks an event whose subscription already exists.
	ErrDuplicateEvent = errors.New("billing: duplicate event")
	// ErrInvalidRequest is returned for requests the reconciler refuses outright.
	ErrInvalidRequest = errors.New("billing: invalid request")
	// ErrForbidden is returned when a user acts on a subscription they do not own.
	ErrForbidden = errors.New("billing: forbidden")
)

// Outcome describes what handling an event did.
type Outcome string

const (
	OutcomeCreated             Outcome = "created"
	OutcomeUpdated             Outcome = "updated"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeIgnored             Outcome = "ignored"
	OutcomeUnknownSubscription Outcome = "unknown_subscription"
	OutcomeFailed              Outcome = "failed"
)
