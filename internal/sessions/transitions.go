package sessions

// Event is an input to the session state machine.
type Event string

const (
	EventAccept         Event = "accept"
	EventReject         Event = "reject"
	EventConfirmPayment Event = "confirm_payment"
	EventCancel         Event = "cancel"
	EventExpireHold     Event = "expire_hold"
	EventJoin           Event = "join"
	EventEnd            Event = "end"
	EventMarkMissed     Event = "mark_missed"
	EventRefund         Event = "refund"
)

type edge struct {
	from  Status
	event Event
}

// transitions is the complete graph. Guards (payment, join window, actor) are
// enforced by the engine before an edge is taken.
var transitions = map[edge]Status{
	{StatusPendingApproval, EventAccept}: StatusPendingPayment,
	{StatusPendingApproval, EventReject}: StatusCancelled,
	{StatusPendingApproval, EventCancel}: StatusCancelled,
	{StatusPendingApproval, EventRefund}: StatusCancelled,

	{StatusPendingPayment, EventConfirmPayment}: StatusScheduled,
	{StatusPendingPayment, EventCancel}:         StatusCancelled,
	{StatusPendingPayment, EventExpireHold}:     StatusCancelled,
	{StatusPendingPayment, EventRefund}:         StatusCancelled,

	{StatusScheduled, EventJoin}:       StatusInProgress,
	{StatusScheduled, EventCancel}:     StatusCancelled,
	{StatusScheduled, EventMarkMissed}: StatusMissed,
	{StatusScheduled, EventRefund}:     StatusCancelled,

	{StatusInProgress, EventEnd}:    StatusCompleted,
	{StatusInProgress, EventCancel}: StatusCancelled,
	{StatusInProgress, EventRefund}: StatusCancelled,
}

// Allowed reports whether the graph has an edge for event out of from.
func Allowed(from Status, event Event) bool {
	_, ok := transitions[edge{from, event}]
	return ok
}

// Next returns the target of the edge or a *TransitionError.
func Next(from Status, event Event) (Status, error) {
	if from.Terminal() {
		return from, notAllowed(from, event, "session is final")
	}
	to, ok := transitions[edge{from, event}]
	if !ok {
		return from, notAllowed(from, event, "")
	}
	return to, nil
}

// alreadyApplied reports whether re-delivering event would change nothing,
// which makes retried calls no-ops instead of errors. Terminal states always
// reject, including a repeat of the event that made them terminal.
func alreadyApplied(s *Session, event Event) bool {
	if s.Status.Terminal() {
		return false
	}
	switch event {
	case EventAccept:
		return s.IsCustomRequest && s.Status != StatusPendingApproval
	case EventConfirmPayment:
		return s.PaymentConfirmed
	case EventJoin:
		return s.Status == StatusInProgress
	default:
		return false
	}
}

// Transition resolves event against the session. noop is true when the event
// was already applied; err is a *TransitionError when the edge does not exist.
func Transition(s *Session, event Event) (next Status, noop bool, err error) {
	if alreadyApplied(s, event) {
		return s.Status, true, nil
	}
	next, err = Next(s.Status, event)
	if err != nil {
		return s.Status, false, err
	}
	return next, false, nil
}
