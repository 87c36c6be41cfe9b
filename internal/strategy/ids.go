package strategy

import "github.com/google/uuid"

// newClientOrderID generates the idempotency key the execution engine
// uses to reject duplicate submissions (§4.9).
func newClientOrderID() string {
	return uuid.NewString()
}
