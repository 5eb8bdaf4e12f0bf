package interfaces

import "context"

// EventKind names a notification emitted by the core.
type EventKind string

const (
	EventGuardianInvited   EventKind = "guardian_invited"
	EventGuardianAccepted  EventKind = "guardian_accepted"
	EventGuardianDeclined  EventKind = "guardian_declined"
	EventGuardianMessage   EventKind = "guardian_message"
	EventRecoveryInitiated EventKind = "recovery_initiated"
	EventRecoveryApproved  EventKind = "recovery_approved"
	EventRecoveryRejected  EventKind = "recovery_rejected"
	EventRecoveryDisputed  EventKind = "recovery_disputed"
	EventRecoveryCompleted EventKind = "recovery_completed"
)

// Notification is a best-effort message to a guardian or owner.
type Notification struct {
	Kind      EventKind
	UserID    string
	Recipient string
	Payload   map[string]string
}

// Notifier delivers notifications. Failures are logged by callers and never
// roll back or block a state transition.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
