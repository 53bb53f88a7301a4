package dimse

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/suyashkumar/dicom"
)

// Handler serves requests for one abstract syntax.
type Handler interface {
	// Commands lists the request kinds the handler understands
	Commands() []CommandField
	// OnRequest validates req (its data set carries the match keys, if any)
	// and returns the operation producing the results. A nil Operation
	// yields a single Success response.
	OnRequest(as *Association, pc *PresentationContext, req *Message) (Operation, error)
}

// Operation produces the results of one request lazily, in a single pass.
// The producer should stop once ctx is done.
type Operation interface {
	Results(ctx context.Context) iter.Seq2[*dicom.Dataset, error]
}

// OperationFunc adapts a function to Operation
type OperationFunc func(ctx context.Context) iter.Seq2[*dicom.Dataset, error]

// Results calls f(ctx)
func (f OperationFunc) Results(ctx context.Context) iter.Seq2[*dicom.Dataset, error] { return f(ctx) }

// Dispatcher routes inbound requests to handlers by abstract syntax.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds h to abstractSyntax, replacing any previous handler
func (d *Dispatcher) Register(abstractSyntax string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[abstractSyntax] = h
}

// Handler returns the handler registered for abstractSyntax
func (d *Dispatcher) Handler(abstractSyntax string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[abstractSyntax]
	return h, ok
}

// SupportedSyntaxes returns every registered abstract syntax mapped to transferSyntaxes
func (d *Dispatcher) SupportedSyntaxes(transferSyntaxes []string) map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	supported := make(map[string][]string, len(d.handlers))
	for as := range d.handlers {
		supported[as] = transferSyntaxes
	}
	return supported
}

// dispatch runs on the read loop. Validation and cancel registration happen
// inline so a C-CANCEL-RQ that follows on the wire always finds its
// operation; the handler itself runs on the executor.
func (d *Dispatcher) dispatch(as *Association, pc *PresentationContext, req *Message) {
	started := time.Now()
	logger := as.logger.With().
		Str("command", req.CommandField.String()).
		Uint16("message_id", req.MessageID).
		Logger()

	h, ok := d.Handler(pc.AbstractSyntax)
	if !ok {
		logger.Warn().Str("abstract_syntax", pc.AbstractSyntax).Msg("No handler for abstract syntax")
		d.reply(as, pc, req, StatusSOPClassNotSupported, "", started)
		return
	}
	if !slices.Contains(h.Commands(), req.CommandField) {
		logger.Warn().Str("abstract_syntax", pc.AbstractSyntax).Msg("Unrecognized operation")
		d.reply(as, pc, req, StatusUnrecognizedOperation, "", started)
		return
	}

	key := operationKey{contextID: pc.ID, messageID: req.MessageID}
	ctx, err := as.startOperation(key)
	if errors.Is(err, errDuplicateInvocation) {
		logger.Warn().Msg("Duplicate message id for in-flight operation")
		d.reply(as, pc, req, StatusDuplicateInvocation, "", started)
		return
	}
	if err != nil {
		return
	}

	logger.Debug().Msg("Request dispatched")
	as.executor.Execute(func() {
		defer as.finishOperation(key)

		op, err := h.OnRequest(as, pc, req)
		if err != nil {
			logger.Warn().Err(err).Msg("Request refused by handler")
			d.reply(as, pc, req, StatusOf(err, StatusUnableToProcess), errorComment(err), started)
			return
		}

		status, sent := runOperation(ctx, as, pc, req, op)
		if sent {
			as.observer.OperationCompleted(req.CommandField, status, time.Since(started))
		}
		logger.Debug().
			Str("status", status.String()).
			Dur("elapsed", time.Since(started)).
			Msg("Operation finished")
	})
}

func (d *Dispatcher) reply(as *Association, pc *PresentationContext, req *Message, status Status, comment string, started time.Time) {
	rsp := responseFor(req, status)
	rsp.ErrorComment = truncateComment(comment)
	if err := as.SendResponse(pc, rsp); err != nil {
		as.logger.Debug().Err(err).Msg("Failed to send response")
		return
	}
	as.observer.OperationCompleted(req.CommandField, status, time.Since(started))
}

func responseFor(req *Message, status Status) *Message {
	return &Message{
		CommandField:              req.CommandField.Response(),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		Status:                    status,
		ContextID:                 req.ContextID,
	}
}

// errorComment is the Error Comment sent for err: the handler's own
// comment for a StatusError, the error text otherwise.
func errorComment(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Comment
	}
	return err.Error()
}

// Error Comment (0000,0902) is LO, at most 64 characters. The cut never
// splits a UTF-8 sequence.
func truncateComment(comment string) string {
	const maxComment = 64
	if len(comment) <= maxComment {
		return comment
	}
	cut := maxComment
	for cut > 0 && !utf8.RuneStart(comment[cut]) {
		cut--
	}
	return comment[:cut]
}
