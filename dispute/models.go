package dispute

import "time"

// Status is the dispute state machine position.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Resolution is the admin's disposition of a resolved dispute.
type Resolution string

const (
	ResolutionRefund    Resolution = "refund"
	ResolutionPayWorker Resolution = "pay_worker"
	ResolutionPartial   Resolution = "partial"
)

// Reason categorizes what went wrong, from the filer's point of view.
type Reason string

const (
	ReasonWorkQuality   Reason = "work_quality"
	ReasonNoShow        Reason = "no_show"
	ReasonIncomplete    Reason = "incomplete"
	ReasonDifferentWork Reason = "different_work"
	ReasonCommunication Reason = "communication"
	ReasonSafety        Reason = "safety"
	ReasonOther         Reason = "other"
)

// Reasons lists the accepted filing reasons in display order.
func Reasons() []Reason {
	return []Reason{
		ReasonWorkQuality,
		ReasonNoShow,
		ReasonIncomplete,
		ReasonDifferentWork,
		ReasonCommunication,
		ReasonSafety,
		ReasonOther,
	}
}

func validReason(r Reason) bool {
	for _, known := range Reasons() {
		if r == known {
			return true
		}
	}
	return false
}

// Dispute mirrors the disputes table.
type Dispute struct {
	ID                  string
	TaskID              string
	FiledBy             string
	FiledAgainst        string
	Reason              Reason
	Description         string
	Evidence            map[string]any
	Status              Status
	Resolution          *Resolution
	ResolutionNotes     *string
	ResolvedBy          *string
	ResolvedAt          *time.Time
	ResponseDescription *string
	ResponseEvidence    map[string]any
	RespondedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FileParams enumerates the fields required to file a dispute.
type FileParams struct {
	Reason      Reason
	Description string
	Evidence    map[string]any
}

// ResolveParams carries the admin's decision. CreatorBps applies only to the
// partial resolution and defaults to an even split.
type ResolveParams struct {
	Resolution Resolution
	Notes      string
	CreatorBps int
}
