package dimse

import (
	"context"
	"sync"
	"time"

	"github.com/suyashkumar/dicom"
	"go.uber.org/atomic"
)

// Outcome says how a Response came about
type Outcome int

const (
	// OutcomeResponse is a response message received from the peer
	OutcomeResponse Outcome = iota
	// OutcomeTimeout is synthesized when the request timeout elapses
	OutcomeTimeout
	// OutcomeClosed is synthesized when the association ends first
	OutcomeClosed
	// OutcomeLocalError is a request that never made it onto the wire
	OutcomeLocalError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResponse:
		return "response"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeClosed:
		return "closed"
	default:
		return "local-error"
	}
}

// Response is one delivery to a Correlator's callback.
type Response struct {
	Outcome Outcome
	Message *Message
	// Final is set on the single terminal delivery
	Final bool
	// Err is nil for Success and Pending. It holds a *StatusError for
	// Warning, Failure and Cancel responses, or the local cause otherwise.
	Err error
}

// Status returns the received status, or StatusProcessingFailure for synthesized outcomes.
func (r *Response) Status() Status {
	if r.Message != nil {
		return r.Message.Status
	}
	return StatusProcessingFailure
}

// Data returns the data set carried by the response, if any
func (r *Response) Data() *dicom.Dataset {
	if r.Message == nil {
		return nil
	}
	return r.Message.Data
}

// ResponseFunc receives responses for one request. It runs on the
// association's read loop and must not block or close the association.
type ResponseFunc func(rsp *Response)

const (
	correlatorIdle uint32 = iota
	correlatorActive
	correlatorTerminal
)

// CorrelatorOption configures a Correlator
type CorrelatorOption func(*Correlator)

// WithStopOnPending makes the first Pending response terminal.
func WithStopOnPending() CorrelatorOption {
	return func(c *Correlator) { c.stopOnPending = true }
}

// Correlator tracks one outstanding request until exactly one terminal outcome.
type Correlator struct {
	onResponse    ResponseFunc
	stopOnPending bool

	state     *atomic.Uint32
	messageID *atomic.Uint32
	command   CommandField
	context   *PresentationContext

	mu     sync.Mutex
	timer  *time.Timer
	final  *Response
	done   chan struct{}
	detach func(Outcome)
}

// NewCorrelator returns an idle correlator; fn may be nil when only Wait is used.
func NewCorrelator(fn ResponseFunc, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		onResponse: fn,
		state:      atomic.NewUint32(correlatorIdle),
		messageID:  atomic.NewUint32(0),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MessageID returns the id assigned by SendRequest, 0 before that
func (c *Correlator) MessageID() uint16 { return uint16(c.messageID.Load()) }

// Context returns the presentation context the request was sent on
func (c *Correlator) Context() *PresentationContext { return c.context }

// Done is closed after the terminal callback returned
func (c *Correlator) Done() <-chan struct{} { return c.done }

// Terminated reports whether the terminal outcome has been claimed
func (c *Correlator) Terminated() bool { return c.state.Load() == correlatorTerminal }

// Wait blocks until the terminal outcome or ctx ends. A ctx error does not
// cancel the request itself.
func (c *Correlator) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.final, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// activate moves Idle to Active. A correlator is good for one request only.
func (c *Correlator) activate(id uint16, pc *PresentationContext, command CommandField, detach func(Outcome)) bool {
	c.messageID.Store(uint32(id))
	c.context = pc
	c.command = command
	c.detach = detach
	return c.state.CompareAndSwap(correlatorIdle, correlatorActive)
}

func (c *Correlator) arm(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() != correlatorActive {
		return
	}
	c.timer = time.AfterFunc(timeout, func() {
		c.terminate(&Response{Outcome: OutcomeTimeout, Err: ErrTimeout})
	})
}

// deliver routes a received response. It reports whether this was the terminal one.
func (c *Correlator) deliver(msg *Message) bool {
	rsp := &Response{Outcome: OutcomeResponse, Message: msg}
	if msg.Status.Kind() != KindSuccess && msg.Status.Kind() != KindPending {
		rsp.Err = &StatusError{Status: msg.Status, Command: msg.CommandField, Comment: msg.ErrorComment}
	}

	if msg.Status.IsPending() && !c.stopOnPending {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state.Load() != correlatorActive {
			return false
		}
		if c.onResponse != nil {
			c.onResponse(rsp)
		}
		return false
	}

	return c.terminate(rsp)
}

// terminate claims the single terminal transition; losers return false and deliver nothing.
func (c *Correlator) terminate(rsp *Response) bool {
	if !c.state.CompareAndSwap(correlatorActive, correlatorTerminal) &&
		!c.state.CompareAndSwap(correlatorIdle, correlatorTerminal) {
		return false
	}

	rsp.Final = true
	if c.detach != nil {
		c.detach(rsp.Outcome)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.final = rsp
	if c.onResponse != nil {
		c.onResponse(rsp)
	}
	close(c.done)
	return true
}
