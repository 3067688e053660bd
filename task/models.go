package task

import "time"

// Status is the task lifecycle state machine position.
type Status string

const (
	StatusOpen                Status = "open"
	StatusAssigned            Status = "assigned"
	StatusInProgress          Status = "in_progress"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusCompleted           Status = "completed"
	StatusDisputed            Status = "disputed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether no further lifecycle transition is defined.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PaymentStatus mirrors the linked transaction's status on the task row.
// The transactions table stays authoritative; this column is a read
// optimization updated in the same database transaction as the ledger write.
type PaymentStatus string

const (
	PaymentNotRequired       PaymentStatus = "not_required"
	PaymentPending           PaymentStatus = "pending"
	PaymentHeld              PaymentStatus = "held"
	PaymentReleased          PaymentStatus = "released"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Task mirrors the tasks table columns touched by the service.
type Task struct {
	ID              string
	CreatorID       string
	AssignedTo      *string
	Title           string
	Description     string
	Budget          int64
	Currency        string
	Status          Status
	PaymentRequired bool
	PaymentStatus   PaymentStatus
	TransactionID   *string
	AssignedAt      *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApplicationStatus is the lifecycle of a worker's bid on a task.
type ApplicationStatus string

const (
	ApplicationPending   ApplicationStatus = "pending"
	ApplicationAccepted  ApplicationStatus = "accepted"
	ApplicationRejected  ApplicationStatus = "rejected"
	ApplicationWithdrawn ApplicationStatus = "withdrawn"
)

// Application mirrors the applications table.
type Application struct {
	ID          string
	TaskID      string
	ApplicantID string
	Message     string
	Status      ApplicationStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateParams enumerates the fields required to post a task.
type CreateParams struct {
	Title           string
	Description     string
	Budget          int64
	Currency        string
	PaymentRequired bool
}

// ListFilters narrows task listings.
type ListFilters struct {
	Status     Status
	CreatorID  string
	AssignedTo string
	Page       int
	PageSize   int
}
