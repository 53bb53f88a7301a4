package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Connect dials the configured peer and negotiates the association
func (a *Association) Connect(ctx context.Context) error {
	switch a.State() {
	case StateEstablished:
		return nil
	case StateRequested:
	default:
		return fmt.Errorf("%w: cannot connect from state %s", ErrAssociationClosed, a.State())
	}

	addr := net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port))
	dialer := &net.Dialer{Timeout: a.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return a.ConnectWith(ctx, conn)
}

// ConnectWith negotiates the association over an already open connection.
// The association owns conn afterwards, even on failure.
func (a *Association) ConnectWith(ctx context.Context, conn net.Conn) error {
	a.conn = conn
	a.localAE = a.config.CallingAET
	a.remoteAE = a.config.CalledAET
	setHandshakeDeadline(ctx, conn, a.config.Timeout)

	proposed, err := ProposeContexts(a.config.Proposals)
	if err != nil {
		a.shutdown(err)
		return err
	}

	rq := &AssociateRQ{
		CalledAETitle:  a.config.CalledAET,
		CallingAETitle: a.config.CallingAET,
		Contexts:       proposed,
		MaxPDULength:   a.config.MaxPDULength,
	}
	if err := WritePDU(conn, PDUAssociateRQ, rq.Encode()); err != nil {
		a.shutdown(err)
		return fmt.Errorf("failed to send associate request: %w", err)
	}

	pdu, err := ReadPDU(conn, maxAssociatePDULength)
	if err != nil {
		a.shutdown(err)
		return fmt.Errorf("failed to receive associate response: %w", err)
	}

	switch pdu.Type {
	case PDUAssociateAC:
		ac, err := DecodeAssociateAC(pdu.Data)
		if err != nil {
			a.abort(AbortSourceServiceUser, AbortReasonInvalidParameter, err)
			return err
		}
		contexts, err := resolveAccepted(proposed, ac.Results)
		if err != nil {
			a.logger.Warn().Str("called_ae", a.remoteAE).Msg("Peer accepted no presentation context")
			a.abort(AbortSourceServiceUser, AbortReasonNotSpecified, err)
			return err
		}
		a.peerMaxPDU = ac.MaxPDULength
		a.establish(contexts)
		return nil

	case PDUAssociateRJ:
		rj, err := DecodeAssociateRJ(pdu.Data)
		if err != nil {
			a.shutdown(err)
			return err
		}
		rejectErr := &RejectError{Result: rj.Result, Source: rj.Source, Reason: rj.Reason}
		a.shutdown(rejectErr)
		return rejectErr

	case PDUAbort:
		abortErr := decodeAbort(pdu.Data)
		a.shutdown(abortErr)
		return abortErr

	default:
		err := framingError(pdu.Type, "unexpected reply to A-ASSOCIATE-RQ")
		a.abort(AbortSourceServiceUser, AbortReasonUnexpectedPDU, err)
		return err
	}
}

// AcceptAssociation answers an A-ASSOCIATE-RQ on conn. Contexts are accepted
// for every abstract syntax registered with dispatcher. When nothing can be
// accepted the request is rejected and ErrNegotiationFailure returned.
func AcceptAssociation(ctx context.Context, conn net.Conn, config AssociationConfig, dispatcher *Dispatcher) (*Association, error) {
	a := newAssociation(config, RoleAcceptor, dispatcher)
	a.conn = conn
	setHandshakeDeadline(ctx, conn, a.config.Timeout)

	pdu, err := ReadPDU(conn, maxAssociatePDULength)
	if err != nil {
		a.shutdown(err)
		return nil, fmt.Errorf("failed to receive associate request: %w", err)
	}
	if pdu.Type != PDUAssociateRQ {
		err := framingError(pdu.Type, "expected A-ASSOCIATE-RQ")
		a.abort(AbortSourceServiceProvider, AbortReasonUnexpectedPDU, err)
		return nil, err
	}

	rq, err := DecodeAssociateRQ(pdu.Data)
	if err != nil {
		a.abort(AbortSourceServiceProvider, AbortReasonInvalidParameter, err)
		return nil, err
	}
	a.localAE = rq.CalledAETitle
	a.remoteAE = rq.CallingAETitle

	if a.config.CalledAET != "" && rq.CalledAETitle != a.config.CalledAET {
		return nil, a.reject(RejectReasonCalledAETitleNotRecognized, fmt.Errorf("called AE title %q not recognized", rq.CalledAETitle))
	}
	if rq.ApplicationContext != ApplicationContextName {
		return nil, a.reject(RejectReasonApplicationContextNotSupported, fmt.Errorf("application context %q not supported", rq.ApplicationContext))
	}

	results, err := Negotiate(rq.Contexts, a.dispatcher.SupportedSyntaxes(a.config.TransferSyntaxes))
	if err != nil {
		a.logger.Warn().
			Str("calling_ae", rq.CallingAETitle).
			Int("proposed", len(rq.Contexts)).
			Msg("No presentation context accepted")
		a.reject(RejectReasonNoReasonGiven, err)
		return nil, err
	}

	ac := &AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		Results:        results,
		MaxPDULength:   a.config.MaxPDULength,
	}
	if err := WritePDU(conn, PDUAssociateAC, ac.Encode()); err != nil {
		a.shutdown(err)
		return nil, fmt.Errorf("failed to send associate accept: %w", err)
	}

	a.peerMaxPDU = rq.MaxPDULength
	a.establish(results)
	return a, nil
}

func (a *Association) reject(reason byte, cause error) error {
	rj := &AssociateRJ{Result: RejectResultPermanent, Source: RejectSourceServiceUser, Reason: reason}
	if err := WritePDU(a.conn, PDUAssociateRJ, rj.Encode()); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to send A-ASSOCIATE-RJ")
	}
	a.shutdown(cause)
	return cause
}

func (a *Association) establish(contexts []*PresentationContext) {
	a.ctxMu.Lock()
	for _, pc := range contexts {
		a.contexts[pc.ID] = pc
	}
	a.contextList = contexts
	a.ctxMu.Unlock()

	_ = a.conn.SetDeadline(time.Time{})
	a.logger = a.logger.With().
		Str("local_ae", a.localAE).
		Str("remote_ae", a.remoteAE).
		Str("remote_addr", a.RemoteAddr()).
		Logger()

	if err := a.state.Event(context.Background(), eventEstablish); err != nil {
		a.shutdown(err)
		return
	}

	accepted := 0
	for _, pc := range contexts {
		if pc.Accepted() {
			accepted++
		}
	}
	a.observer.AssociationOpened(a.role)
	a.logger.Info().
		Int("accepted_contexts", accepted).
		Int("proposed_contexts", len(contexts)).
		Uint32("peer_max_pdu", a.peerMaxPDU).
		Msg("Association established")

	go a.readLoop()
}

func setHandshakeDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
}

// IsNegotiationFailure reports whether err means no presentation context was accepted
func IsNegotiationFailure(err error) bool {
	return errors.Is(err, ErrNegotiationFailure)
}
