package dimse

import "fmt"

// Status is a DIMSE response status code (0000,0900)
type Status uint16

const (
	StatusSuccess                  Status = 0x0000
	StatusWarning                  Status = 0x0001
	StatusPending                  Status = 0xFF00
	StatusPendingWarning           Status = 0xFF01
	StatusCancel                   Status = 0xFE00
	StatusProcessingFailure        Status = 0x0110
	StatusNoSuchSOPClass           Status = 0x0118
	StatusSOPClassNotSupported     Status = 0x0122
	StatusUnrecognizedOperation    Status = 0x0211
	StatusOutOfResources           Status = 0xA700
	StatusIdentifierDoesNotMatch   Status = 0xA900
	StatusUnableToProcess          Status = 0xC000
	StatusDuplicateInvocation      Status = 0x0210
	StatusMistypedArgument         Status = 0x0212
	StatusResourceLimitation       Status = 0x0213
	StatusAttributeListError       Status = 0x0107
	StatusAttributeValueOutOfRange Status = 0x0116
)

// StatusKind classifies a Status
type StatusKind int

const (
	KindSuccess StatusKind = iota
	KindPending
	KindCancel
	KindWarning
	KindFailure
)

func (k StatusKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindPending:
		return "pending"
	case KindCancel:
		return "cancel"
	case KindWarning:
		return "warning"
	default:
		return "failure"
	}
}

// Kind returns the class of the status code. Codes outside the known
// success, pending, cancel and warning ranges are failures.
func (s Status) Kind() StatusKind {
	switch {
	case s == StatusSuccess:
		return KindSuccess
	case s == StatusPending || s == StatusPendingWarning:
		return KindPending
	case s == StatusCancel:
		return KindCancel
	case s == StatusWarning || s == StatusAttributeListError || s == StatusAttributeValueOutOfRange:
		return KindWarning
	case s&0xF000 == 0xB000:
		return KindWarning
	default:
		return KindFailure
	}
}

// IsPending reports whether more responses follow
func (s Status) IsPending() bool { return s.Kind() == KindPending }

// IsTerminal reports whether the status ends an operation
func (s Status) IsTerminal() bool { return s.Kind() != KindPending }

func (s Status) String() string {
	return fmt.Sprintf("0x%04X (%s)", uint16(s), s.Kind())
}
