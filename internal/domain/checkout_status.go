package domain

type CheckoutStatus string

const (
	CheckoutStatusCreated               CheckoutStatus = "CREATED"
	CheckoutStatusPersonalInfoCollected CheckoutStatus = "PERSONAL_INFO_COLLECTED"
	CheckoutStatusShippingCollected     CheckoutStatus = "SHIPPING_COLLECTED"
	CheckoutStatusPaymentAuthorized     CheckoutStatus = "PAYMENT_AUTHORIZED"
	CheckoutStatusSettled               CheckoutStatus = "SETTLED"
	CheckoutStatusFailed                CheckoutStatus = "FAILED"
)

var checkoutStep = map[CheckoutStatus]int{
	CheckoutStatusCreated:               0,
	CheckoutStatusPersonalInfoCollected: 1,
	CheckoutStatusShippingCollected:     2,
	CheckoutStatusPaymentAuthorized:     3,
}

func (s CheckoutStatus) IsTerminal() bool {
	return s == CheckoutStatusSettled || s == CheckoutStatusFailed
}

// CanTransitionTo allows advancing one step, re-submitting any earlier step
// before payment is authorized, failing from any open state, and settling
// from any open state. Settling is reserved for the webhook reconciler;
// callers enforce that. An authorized session only moves forward.
func (s CheckoutStatus) CanTransitionTo(next CheckoutStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case CheckoutStatusFailed, CheckoutStatusSettled:
		return true
	case CheckoutStatusCreated:
		return false
	}
	if s == CheckoutStatusPaymentAuthorized {
		return false
	}
	from, ok := checkoutStep[s]
	if !ok {
		return false
	}
	to, ok := checkoutStep[next]
	if !ok {
		return false
	}
	return to <= from+1
}

// String representation (for logging)
func (s CheckoutStatus) String() string {
	return string(s)
}
