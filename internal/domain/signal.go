package domain

// Signal names form a closed set. Each identifies why a scheduling
// decision is being made and which template renders the message.
const (
	SignalInstructorBadgeAwarded     = "instructor_badge_awarded"
	SignalPersonsMerged              = "persons_merged"
	SignalPostWorkshopFollowUp       = "post_workshop_followup"
	SignalTrainingApproaching        = "instructor_training_approaching"
	SignalNewMembershipOnboarding    = "new_membership_onboarding"
	SignalTrainingCompletedNotBadged = "instructor_training_completed_not_badged"
)

// Strategy is the abstract effect a domain change has on pending
// notifications for a record.
type Strategy string

const (
	StrategyCreate Strategy = "create"
	StrategyUpdate Strategy = "update"
	StrategyRemove Strategy = "remove"
	StrategyNoop   Strategy = "noop"
)

// Outcome tells the initiating caller what the pipeline did, so expected
// paths (gate disabled, no-op strategy, missing recipients) are branches
// rather than exceptions.
type Outcome string

const (
	OutcomeScheduled Outcome = "scheduled"
	OutcomeUpdated   Outcome = "updated"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeWarned    Outcome = "warned"
)

// Context carries the named values a template renders against.
// Values must be printable; receivers must not embed secrets.
type Context map[string]any
