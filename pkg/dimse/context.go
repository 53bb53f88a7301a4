package dimse

import (
	"fmt"
	"slices"
)

// ResultCode is the outcome of negotiating one presentation context
type ResultCode byte

const (
	ResultAcceptance                   ResultCode = 0x00
	ResultUserRejection                ResultCode = 0x01
	ResultNoReason                     ResultCode = 0x02
	ResultAbstractSyntaxNotSupported   ResultCode = 0x03
	ResultTransferSyntaxesNotSupported ResultCode = 0x04
)

func (r ResultCode) String() string {
	switch r {
	case ResultAcceptance:
		return "acceptance"
	case ResultUserRejection:
		return "user-rejection"
	case ResultNoReason:
		return "no-reason"
	case ResultAbstractSyntaxNotSupported:
		return "abstract-syntax-not-supported"
	case ResultTransferSyntaxesNotSupported:
		return "transfer-syntaxes-not-supported"
	default:
		return fmt.Sprintf("result(%d)", byte(r))
	}
}

// PresentationContext is a negotiated (abstract syntax, transfer syntax) pairing.
// It is immutable once negotiation completes.
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Result         ResultCode
}

// Accepted reports whether messages may be exchanged on the context
func (pc *PresentationContext) Accepted() bool {
	return pc != nil && pc.Result == ResultAcceptance && pc.TransferSyntax != ""
}

func (pc *PresentationContext) String() string {
	return fmt.Sprintf("pc[%d] %s / %s (%s)", pc.ID, pc.AbstractSyntax, pc.TransferSyntax, pc.Result)
}

// Proposal is an abstract syntax and the transfer syntaxes offered for it, in preference order
type Proposal struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// ProposeContexts assigns odd context ids 1, 3, 5... in proposal order.
func ProposeContexts(proposals []Proposal) ([]ProposedContext, error) {
	if len(proposals) > 128 {
		return nil, fmt.Errorf("too many presentation contexts: %d", len(proposals))
	}

	contexts := make([]ProposedContext, 0, len(proposals))
	id := byte(1)
	for _, p := range proposals {
		syntaxes := p.TransferSyntaxes
		if len(syntaxes) == 0 {
			syntaxes = DefaultTransferSyntaxes()
		}
		contexts = append(contexts, ProposedContext{
			ID:               id,
			AbstractSyntax:   p.AbstractSyntax,
			TransferSyntaxes: syntaxes,
		})
		id += 2
	}
	return contexts, nil
}

// Negotiate decides each proposed context against the supported map (abstract
// syntax to acceptable transfer syntaxes). For an accepted context the first
// proposed transfer syntax that is also supported wins. It returns
// ErrNegotiationFailure together with the rejections when nothing was accepted.
func Negotiate(proposed []ProposedContext, supported map[string][]string) ([]*PresentationContext, error) {
	results := make([]*PresentationContext, 0, len(proposed))
	seen := make(map[byte]bool, len(proposed))
	accepted := 0

	for _, p := range proposed {
		pc := &PresentationContext{ID: p.ID, AbstractSyntax: p.AbstractSyntax}

		acceptable, ok := supported[p.AbstractSyntax]
		switch {
		case p.ID%2 == 0 || seen[p.ID] || p.AbstractSyntax == "":
			pc.Result = ResultNoReason
		case !ok:
			pc.Result = ResultAbstractSyntaxNotSupported
		default:
			pc.TransferSyntax = selectTransferSyntax(p.TransferSyntaxes, acceptable)
			if pc.TransferSyntax == "" {
				pc.Result = ResultTransferSyntaxesNotSupported
			} else {
				pc.Result = ResultAcceptance
				accepted++
			}
		}

		seen[p.ID] = true
		results = append(results, pc)
	}

	if accepted == 0 {
		return results, ErrNegotiationFailure
	}
	return results, nil
}

// resolveAccepted maps the acceptor's results back onto what was proposed.
// Results for ids that were never proposed are ignored.
func resolveAccepted(proposed []ProposedContext, results []*PresentationContext) ([]*PresentationContext, error) {
	byID := make(map[byte]*PresentationContext, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	contexts := make([]*PresentationContext, 0, len(proposed))
	accepted := 0
	for _, p := range proposed {
		pc := &PresentationContext{ID: p.ID, AbstractSyntax: p.AbstractSyntax, Result: ResultNoReason}
		if r, ok := byID[p.ID]; ok {
			pc.Result = r.Result
			if r.Result == ResultAcceptance && slices.Contains(p.TransferSyntaxes, r.TransferSyntax) {
				pc.TransferSyntax = r.TransferSyntax
				accepted++
			} else if r.Result == ResultAcceptance {
				pc.Result = ResultTransferSyntaxesNotSupported
			}
		}
		contexts = append(contexts, pc)
	}

	if accepted == 0 {
		return contexts, ErrNegotiationFailure
	}
	return contexts, nil
}

func selectTransferSyntax(proposed, acceptable []string) string {
	for _, ts := range proposed {
		if slices.Contains(acceptable, ts) {
			return ts
		}
	}
	return ""
}
