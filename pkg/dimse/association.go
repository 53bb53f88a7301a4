package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom"
	"go.uber.org/atomic"
)

// Association states
const (
	StateRequested   = "requested"
	StateEstablished = "established"
	StateReleasing   = "releasing"
	StateClosed      = "closed"
)

const (
	eventEstablish = "establish"
	eventRelease   = "release"
	eventClose     = "close"
)

// handshake PDUs are not bound by the negotiated maximum
const maxAssociatePDULength = 1 << 20

// AssociationConfig holds configuration for DICOM associations
type AssociationConfig struct {
	Host       string
	Port       int
	CallingAET string
	// CalledAET is the peer's title for a requestor. For an acceptor it is
	// our own title; an empty value accepts any called title.
	CalledAET string
	// Timeout bounds connect, negotiation, release and each message write
	Timeout time.Duration
	// MaxPDULength is the largest P-DATA-TF body we accept
	MaxPDULength uint32
	// Proposals are offered by a requestor
	Proposals []Proposal
	// TransferSyntaxes are accepted by an acceptor for every registered service
	TransferSyntaxes []string
	Executor         Executor
	Observer         Observer
	Logger           *zerolog.Logger
}

func (c *AssociationConfig) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxPDULength == 0 {
		c.MaxPDULength = 16384 // 16KB default
	}
	if len(c.Proposals) == 0 {
		c.Proposals = DefaultProposals()
	}
	if len(c.TransferSyntaxes) == 0 {
		c.TransferSyntaxes = DefaultTransferSyntaxes()
	}
	if c.Executor == nil {
		c.Executor = ExecutorFunc(func(task func()) { go task() })
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
}

// DefaultProposals offers verification and the query/retrieve FIND models
func DefaultProposals() []Proposal {
	return []Proposal{
		{AbstractSyntax: VerificationSOPClass},
		{AbstractSyntax: StudyRootQueryRetrieveFind},
		{AbstractSyntax: PatientRootQueryRetrieveFind},
	}
}

type operationKey struct {
	contextID byte
	messageID uint16
}

// Association represents a DICOM association. All requests and responses
// share one connection; a single read loop owns the receiving side.
type Association struct {
	id       string
	role     Role
	config   AssociationConfig
	conn     net.Conn
	localAE  string
	remoteAE string
	// largest P-DATA-TF body the peer accepts
	peerMaxPDU uint32

	state *fsm.FSM

	ctxMu       sync.RWMutex
	contexts    map[byte]*PresentationContext
	contextList []*PresentationContext

	mu          sync.Mutex
	correlators map[uint16]*Correlator
	nextID      *atomic.Uint32

	opsMu      sync.Mutex
	operations map[operationKey]context.CancelCauseFunc
	opsCtx     context.Context
	opsCancel  context.CancelCauseFunc

	writeMu sync.Mutex
	asm     assembler

	dispatcher *Dispatcher
	executor   Executor
	observer   Observer
	logger     zerolog.Logger

	lastUsed  *atomic.Time
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewAssociation creates a requestor association; call Connect to establish it.
func NewAssociation(config AssociationConfig) *Association {
	return newAssociation(config, RoleRequestor, nil)
}

func newAssociation(config AssociationConfig, role Role, dispatcher *Dispatcher) *Association {
	config.setDefaults()
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}

	base := log.Logger
	if config.Logger != nil {
		base = *config.Logger
	}

	id := uuid.NewString()
	opsCtx, opsCancel := context.WithCancelCause(context.Background())
	a := &Association{
		id:          id,
		role:        role,
		config:      config,
		contexts:    make(map[byte]*PresentationContext),
		correlators: make(map[uint16]*Correlator),
		nextID:      atomic.NewUint32(0),
		operations:  make(map[operationKey]context.CancelCauseFunc),
		opsCtx:      opsCtx,
		opsCancel:   opsCancel,
		dispatcher:  dispatcher,
		executor:    config.Executor,
		observer:    config.Observer,
		logger:      base.With().Str("assoc", id).Str("role", string(role)).Logger(),
		lastUsed:    atomic.NewTime(time.Now()),
		done:        make(chan struct{}),
	}

	a.state = fsm.NewFSM(
		StateRequested,
		fsm.Events{
			{Name: eventEstablish, Src: []string{StateRequested}, Dst: StateEstablished},
			{Name: eventRelease, Src: []string{StateEstablished}, Dst: StateReleasing},
			{Name: eventClose, Src: []string{StateRequested, StateEstablished, StateReleasing}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				a.logger.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("Association state changed")
			},
		},
	)

	return a
}

// ID returns the local identifier used in logs
func (a *Association) ID() string { return a.id }

// Role returns whether we requested or accepted the association
func (a *Association) Role() Role { return a.role }

// LocalAETitle returns our AE title
func (a *Association) LocalAETitle() string { return a.localAE }

// RemoteAETitle returns the peer's AE title
func (a *Association) RemoteAETitle() string { return a.remoteAE }

// RemoteAddr returns the peer's network address
func (a *Association) RemoteAddr() string {
	if a.conn == nil {
		return ""
	}
	return a.conn.RemoteAddr().String()
}

// State returns the current association state
func (a *Association) State() string { return a.state.Current() }

// IsConnected checks if the association is established
func (a *Association) IsConnected() bool { return a.state.Current() == StateEstablished }

// Done is closed once the association reached the closed state
func (a *Association) Done() <-chan struct{} { return a.done }

// Err returns why the association closed; nil for an orderly release
func (a *Association) Err() error {
	select {
	case <-a.done:
		return a.closeErr
	default:
		return nil
	}
}

// UpdateLastUsed updates the last used timestamp
func (a *Association) UpdateLastUsed() { a.lastUsed.Store(time.Now()) }

// GetLastUsed returns the last used timestamp
func (a *Association) GetLastUsed() time.Time { return a.lastUsed.Load() }

// Contexts returns the negotiated presentation contexts in proposal order
func (a *Association) Contexts() []*PresentationContext {
	a.ctxMu.RLock()
	defer a.ctxMu.RUnlock()
	out := make([]*PresentationContext, len(a.contextList))
	copy(out, a.contextList)
	return out
}

// ContextFor returns the first accepted context for abstractSyntax
func (a *Association) ContextFor(abstractSyntax string) (*PresentationContext, error) {
	a.ctxMu.RLock()
	defer a.ctxMu.RUnlock()
	for _, pc := range a.contextList {
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted() {
			return pc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrContextNotAccepted, abstractSyntax)
}

// OutstandingRequests returns the number of registered correlators
func (a *Association) OutstandingRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.correlators)
}

func (a *Association) acceptedContext(id byte) (*PresentationContext, bool) {
	a.ctxMu.RLock()
	defer a.ctxMu.RUnlock()
	pc, ok := a.contexts[id]
	if !ok || !pc.Accepted() {
		return nil, false
	}
	return pc, true
}

func (a *Association) transferSyntax(id byte) (string, bool) {
	pc, ok := a.acceptedContext(id)
	if !ok {
		return "", false
	}
	return pc.TransferSyntax, true
}

// SendRequest sends cmd (and data, if any) on pc and returns the assigned
// message id without waiting. Every outcome, including local failures,
// reaches c; a local failure returns id 0. A correlator serves one request.
func (a *Association) SendRequest(pc *PresentationContext, cmd *Message, data *dicom.Dataset, c *Correlator, timeout time.Duration) uint16 {
	if c.state.Load() != correlatorIdle {
		a.logger.Error().Msg("Correlator reused for a second request")
		return 0
	}
	fail := func(err error) uint16 {
		c.terminate(&Response{Outcome: OutcomeLocalError, Err: err})
		return 0
	}

	if !a.IsConnected() {
		return fail(ErrNotEstablished)
	}
	if cmd == nil || cmd.CommandField.IsResponse() {
		return fail(errors.New("dimse: request requires a request command"))
	}
	if pc == nil {
		return fail(ErrContextNotAccepted)
	}
	accepted, ok := a.acceptedContext(pc.ID)
	if !ok || accepted.AbstractSyntax != pc.AbstractSyntax {
		return fail(fmt.Errorf("%w: context %d", ErrContextNotAccepted, pc.ID))
	}

	msg := *cmd
	msg.ContextID = accepted.ID
	msg.Data = data
	msg.CommandDataSetType = DataSetAbsent
	if data != nil {
		msg.CommandDataSetType = DataSetPresent
	}
	if msg.AffectedSOPClassUID == "" {
		msg.AffectedSOPClassUID = accepted.AbstractSyntax
	}

	id, err := a.register(c, accepted, msg.CommandField)
	if err != nil {
		return fail(err)
	}
	msg.MessageID = id

	command, payload, err := a.encodeMessage(accepted, &msg)
	if err != nil {
		c.terminate(&Response{Outcome: OutcomeLocalError, Err: err})
		return 0
	}

	c.arm(timeout)
	if err := a.writeEncoded(accepted, command, payload); err != nil {
		a.logger.Error().Err(err).Uint16("message_id", id).Msg("Failed to write request")
		a.shutdown(fmt.Errorf("write failed: %w", err))
		return id
	}

	a.UpdateLastUsed()
	a.observer.RequestSent(msg.CommandField)
	a.logger.Debug().
		Str("command", msg.CommandField.String()).
		Uint16("message_id", id).
		Uint8("context_id", accepted.ID).
		Msg("Request sent")
	return id
}

// Cancel sends C-CANCEL-RQ for messageID. The request's correlator stays
// registered until its terminal response, timeout or close.
func (a *Association) Cancel(pc *PresentationContext, messageID uint16) error {
	if pc == nil {
		return ErrContextNotAccepted
	}
	if err := a.writable(); err != nil {
		return err
	}

	msg := &Message{
		CommandField:              CCancelRQ,
		MessageIDBeingRespondedTo: messageID,
		CommandDataSetType:        DataSetAbsent,
		ContextID:                 pc.ID,
	}
	if err := a.writeEncoded(pc, EncodeCommand(msg), nil); err != nil {
		a.shutdown(fmt.Errorf("write failed: %w", err))
		return err
	}

	a.logger.Debug().Uint16("message_id", messageID).Msg("Cancel sent")
	return nil
}

// SendResponse writes a response message on pc.
func (a *Association) SendResponse(pc *PresentationContext, rsp *Message) error {
	if err := a.writable(); err != nil {
		return err
	}

	command, payload, err := a.encodeMessage(pc, rsp)
	if err != nil {
		return err
	}
	if err := a.writeEncoded(pc, command, payload); err != nil {
		a.shutdown(fmt.Errorf("write failed: %w", err))
		return err
	}
	return nil
}

// writable reports whether messages may be written: the association must
// be established, or releasing with operations still answering.
func (a *Association) writable() error {
	switch a.State() {
	case StateEstablished, StateReleasing:
		return nil
	case StateClosed:
		return ErrAssociationClosed
	default:
		return ErrNotEstablished
	}
}

// Release performs an orderly A-RELEASE and closes the connection. If ctx
// ends first the association is aborted.
func (a *Association) Release(ctx context.Context) error {
	if err := a.state.Event(context.Background(), eventRelease); err != nil {
		return fmt.Errorf("%w: release from state %s", ErrNotEstablished, a.State())
	}

	if err := a.writePDU(PDUReleaseRQ, releaseBody); err != nil {
		a.shutdown(fmt.Errorf("write failed: %w", err))
		return err
	}

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.logger.Warn().Msg("Release timed out, aborting")
		a.Abort()
		return ctx.Err()
	}
}

// Abort sends A-ABORT and closes the connection immediately
func (a *Association) Abort() {
	a.abort(AbortSourceServiceUser, AbortReasonNotSpecified, errors.New("aborted locally"))
}

// Close closes the DICOM association, releasing it if established
func (a *Association) Close() error {
	switch a.State() {
	case StateClosed:
		return nil
	case StateEstablished:
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
		defer cancel()
		return a.Release(ctx)
	default:
		a.shutdown(nil)
		return nil
	}
}

func (a *Association) abort(source, reason byte, cause error) {
	if a.State() == StateClosed {
		return
	}
	if a.conn != nil {
		if err := a.writePDU(PDUAbort, encodeAbort(source, reason)); err != nil {
			a.logger.Debug().Err(err).Msg("Failed to send A-ABORT")
		}
	}
	a.shutdown(cause)
}

// shutdown moves to closed exactly once: the connection is released, every
// outstanding correlator receives the closed outcome and inbound operations
// are cancelled.
func (a *Association) shutdown(cause error) {
	a.closeOnce.Do(func() {
		a.closeErr = cause
		if err := a.state.Event(context.Background(), eventClose); err != nil {
			a.logger.Debug().Err(err).Msg("Close transition")
		}
		if a.conn != nil {
			_ = a.conn.Close()
		}

		a.opsMu.Lock()
		a.operations = nil
		a.opsMu.Unlock()
		a.opsCancel(ErrAssociationClosed)

		a.mu.Lock()
		pending := a.correlators
		a.correlators = nil
		a.mu.Unlock()

		closedErr := ErrAssociationClosed
		if cause != nil {
			closedErr = fmt.Errorf("%w: %v", ErrAssociationClosed, cause)
		}
		for _, c := range pending {
			c.terminate(&Response{Outcome: OutcomeClosed, Err: closedErr})
		}

		a.observer.AssociationClosed(a.role, cause)
		event := a.logger.Info()
		if cause != nil {
			event = a.logger.Warn().Err(cause)
		}
		event.Int("outstanding", len(pending)).Msg("Association closed")
		close(a.done)
	})
}

// register assigns the next free message id, skipping 0 and ids still in use.
// The loop covers the whole counter range, including the value that wraps to 0.
func (a *Association) register(c *Correlator, pc *PresentationContext, command CommandField) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.correlators == nil {
		return 0, ErrAssociationClosed
	}

	for range 0x10000 {
		id := uint16(a.nextID.Inc())
		if id == 0 {
			continue
		}
		if _, busy := a.correlators[id]; busy {
			continue
		}
		if !c.activate(id, pc, command, func(o Outcome) { a.detach(id, c, o) }) {
			return 0, errors.New("dimse: correlator already in use")
		}
		a.correlators[id] = c
		return id, nil
	}
	return 0, ErrMessageIDsExhausted
}

func (a *Association) detach(id uint16, c *Correlator, outcome Outcome) {
	a.mu.Lock()
	if a.correlators != nil && a.correlators[id] == c {
		delete(a.correlators, id)
	}
	a.mu.Unlock()

	if outcome == OutcomeTimeout {
		a.observer.RequestTimedOut(c.command)
		a.logger.Warn().Uint16("message_id", id).Str("command", c.command.String()).Msg("Request timed out")
	}
}

func (a *Association) lookup(id uint16) *Correlator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.correlators[id]
}

func (a *Association) startOperation(key operationKey) (context.Context, error) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	if a.operations == nil {
		return nil, ErrAssociationClosed
	}
	if _, dup := a.operations[key]; dup {
		return nil, errDuplicateInvocation
	}
	ctx, cancel := context.WithCancelCause(a.opsCtx)
	a.operations[key] = cancel
	return ctx, nil
}

func (a *Association) finishOperation(key operationKey) {
	a.opsMu.Lock()
	cancel, ok := a.operations[key]
	delete(a.operations, key)
	a.opsMu.Unlock()
	if ok {
		cancel(nil)
	}
}

func (a *Association) cancelOperation(key operationKey) bool {
	a.opsMu.Lock()
	cancel, ok := a.operations[key]
	a.opsMu.Unlock()
	if ok {
		cancel(ErrCancelRequested)
	}
	return ok
}

func (a *Association) encodeMessage(pc *PresentationContext, msg *Message) ([]byte, []byte, error) {
	if msg.Data == nil {
		msg.CommandDataSetType = DataSetAbsent
		return EncodeCommand(msg), nil, nil
	}
	msg.CommandDataSetType = DataSetPresent
	payload, err := EncodeDataset(msg.Data, pc.TransferSyntax)
	if err != nil {
		return nil, nil, err
	}
	return EncodeCommand(msg), payload, nil
}

// writeEncoded writes all fragments of one message without interleaving.
func (a *Association) writeEncoded(pc *PresentationContext, command, payload []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if err := a.conn.SetWriteDeadline(time.Now().Add(a.config.Timeout)); err != nil {
		return err
	}
	if err := writeFragments(a.conn, pc.ID, true, command, a.peerMaxPDU); err != nil {
		return err
	}
	if payload != nil {
		return writeFragments(a.conn, pc.ID, false, payload, a.peerMaxPDU)
	}
	return nil
}

func (a *Association) writePDU(t PDUType, body []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if err := a.conn.SetWriteDeadline(time.Now().Add(a.config.Timeout)); err != nil {
		return err
	}
	return WritePDU(a.conn, t, body)
}

// readLoop is the only reader of the connection.
func (a *Association) readLoop() {
	for {
		pdu, err := ReadPDU(a.conn, a.config.MaxPDULength)
		if err != nil {
			if a.State() == StateClosed {
				return
			}
			if errors.Is(err, ErrFraming) {
				a.logger.Error().Err(err).Msg("Framing error, aborting association")
				a.abort(AbortSourceServiceProvider, AbortReasonInvalidParameter, err)
				return
			}
			a.shutdown(fmt.Errorf("read failed: %w", err))
			return
		}

		stop, err := a.handlePDU(pdu)
		if err != nil {
			a.logger.Error().Err(err).Str("pdu", pdu.Type.String()).Msg("Protocol error, aborting association")
			a.abort(AbortSourceServiceProvider, AbortReasonInvalidParameter, err)
			return
		}
		if stop {
			return
		}
	}
}

func (a *Association) handlePDU(pdu *PDU) (bool, error) {
	switch pdu.Type {
	case PDUPDataTF:
		pdvs, err := DecodePDataTF(pdu.Data)
		if err != nil {
			return false, err
		}
		for _, pdv := range pdvs {
			if _, ok := a.acceptedContext(pdv.ContextID); !ok {
				return false, framingError(PDUPDataTF, "PDV on unaccepted context %d", pdv.ContextID)
			}
			msg, err := a.asm.add(pdv, a.transferSyntax)
			if err != nil {
				return false, err
			}
			if msg != nil {
				a.route(msg)
			}
		}
		return false, nil

	case PDUReleaseRQ:
		a.logger.Info().Msg("Peer requested release")
		if a.State() == StateEstablished {
			_ = a.state.Event(context.Background(), eventRelease)
		}
		if err := a.writePDU(PDUReleaseRP, releaseBody); err != nil {
			a.logger.Debug().Err(err).Msg("Failed to send A-RELEASE-RP")
		}
		a.shutdown(nil)
		return true, nil

	case PDUReleaseRP:
		if a.State() != StateReleasing {
			return false, framingError(pdu.Type, "unexpected in state %s", a.State())
		}
		a.shutdown(nil)
		return true, nil

	case PDUAbort:
		a.shutdown(decodeAbort(pdu.Data))
		return true, nil

	default:
		return false, framingError(pdu.Type, "unexpected PDU on established association")
	}
}

// route hands a complete message to its consumer in wire order.
func (a *Association) route(msg *Message) {
	a.UpdateLastUsed()

	switch {
	case msg.CommandField.IsResponse():
		a.observer.ResponseReceived(msg.CommandField, msg.Status)
		c := a.lookup(msg.MessageIDBeingRespondedTo)
		if c == nil {
			a.observer.UnknownMessageID()
			a.logger.Warn().
				Uint16("message_id", msg.MessageIDBeingRespondedTo).
				Str("command", msg.CommandField.String()).
				Msg("Dropping response for unknown message id")
			return
		}
		c.deliver(msg)

	case msg.CommandField == CCancelRQ:
		key := operationKey{contextID: msg.ContextID, messageID: msg.MessageIDBeingRespondedTo}
		if !a.cancelOperation(key) {
			a.logger.Debug().Uint16("message_id", key.messageID).Msg("Cancel for unknown operation ignored")
		}

	default:
		pc, _ := a.acceptedContext(msg.ContextID)
		a.dispatcher.dispatch(a, pc, msg)
	}
}
