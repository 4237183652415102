package events

// Topic constants for domain events emitted by payment flows.
const (
	TopicPaymentSucceeded          = "payment.succeeded"
	TopicPaymentPending            = "payment.pending"
	TopicPaymentFailed             = "payment.failed"
	TopicPaymentCancelled          = "payment.cancelled"
	TopicBookingAfterPaymentFailed = "booking.after_payment_failed"
)

// DefaultTopics returns every topic a flow can emit.
func DefaultTopics() []string {
	return []string{
		TopicPaymentSucceeded,
		TopicPaymentPending,
		TopicPaymentFailed,
		TopicPaymentCancelled,
		TopicBookingAfterPaymentFailed,
	}
}

// NeedsFollowUp reports whether events on topic leave work for the deferred
// reconciler: the payment outcome is unknown or the booking is missing.
func NeedsFollowUp(topic string) bool {
	switch topic {
	case TopicPaymentPending, TopicBookingAfterPaymentFailed:
		return true
	}
	return false
}
