package dimse

import "time"

// Role is the side an association was established from
type Role string

const (
	RoleRequestor Role = "requestor"
	RoleAcceptor  Role = "acceptor"
)

// Observer receives protocol events, typically to record metrics.
// Methods are called synchronously and must be cheap.
type Observer interface {
	AssociationOpened(role Role)
	AssociationClosed(role Role, err error)
	RequestSent(command CommandField)
	ResponseReceived(command CommandField, status Status)
	RequestTimedOut(command CommandField)
	UnknownMessageID()
	OperationCompleted(command CommandField, status Status, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) AssociationOpened(Role) {}
func (nopObserver) AssociationClosed(Role, error) {}
func (nopObserver) RequestSent(CommandField) {}
func (nopObserver) ResponseReceived(CommandField, Status) {}
func (nopObserver) RequestTimedOut(CommandField) {}
func (nopObserver) UnknownMessageID() {}
func (nopObserver) OperationCompleted(CommandField, Status, time.Duration) {}
