package dimse

import (
	"context"
	"encoding/binary"
	"errors"
	"iter"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func queryDispatcher(h Handler) *Dispatcher {
	d := NewDispatcher()
	d.Register(VerificationSOPClass, VerificationService{})
	d.Register(StudyRootQueryRetrieveFind, h)
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEcho(t *testing.T) {
	scu, scp := pipePair(t, queryDispatcher(&findHandler{}), nil)

	if !scu.IsConnected() || !scp.IsConnected() {
		t.Fatal("association not established on both sides")
	}
	if scp.RemoteAETitle() != "TEST_SCU" || scu.RemoteAETitle() != "TEST_SCP" {
		t.Errorf("AE titles = %q / %q", scp.RemoteAETitle(), scu.RemoteAETitle())
	}
	if err := scu.CEcho(context.Background()); err != nil {
		t.Fatalf("C-ECHO failed: %v", err)
	}
	if n := scu.OutstandingRequests(); n != 0 {
		t.Errorf("outstanding requests after echo = %d", n)
	}
}

func TestFindPendingResultsInOrder(t *testing.T) {
	handler := &findHandler{results: []*dicom.Dataset{
		patientIdentifier(t, "PATIENT", "P1"),
		patientIdentifier(t, "PATIENT", "P2"),
		patientIdentifier(t, "PATIENT", "P3"),
	}}
	scu, _ := pipePair(t, queryDispatcher(handler), nil)

	var ids []string
	status, err := scu.CFindStream(context.Background(), CFindRequest{
		Identifier: patientIdentifier(t, "PATIENT", "*"),
	}, func(ds *dicom.Dataset) {
		ids = append(ids, GetString(ds, tag.PatientID))
	})
	if err != nil {
		t.Fatalf("C-FIND failed: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("final status = %s", status)
	}
	if len(ids) != 3 || ids[0] != "P1" || ids[1] != "P2" || ids[2] != "P3" {
		t.Errorf("results = %v", ids)
	}
}

func TestFindCollectsNoResults(t *testing.T) {
	scu, _ := pipePair(t, queryDispatcher(&findHandler{}), nil)

	rsp, err := scu.CFind(context.Background(), CFindRequest{Identifier: patientIdentifier(t, "STUDY", "NONE")})
	if err != nil {
		t.Fatalf("C-FIND failed: %v", err)
	}
	if rsp.Status != StatusSuccess || len(rsp.Results) != 0 {
		t.Errorf("response = %s with %d results", rsp.Status, len(rsp.Results))
	}
}

func TestFindCancel(t *testing.T) {
	handler := &findHandler{feed: make(chan *dicom.Dataset)}
	scu, _ := pipePair(t, queryDispatcher(handler), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := patientIdentifier(t, "PATIENT", "P1")
	first := make(chan struct{}, 1)
	go func() {
		handler.feed <- result
		<-first
		cancel()
	}()

	received := 0
	status, err := scu.CFindStream(ctx, CFindRequest{Identifier: patientIdentifier(t, "PATIENT", "*")}, func(*dicom.Dataset) {
		received++
		first <- struct{}{}
	})
	if status != StatusCancel {
		t.Errorf("final status = %s, want Cancel", status)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if received != 1 {
		t.Errorf("received %d results before cancel", received)
	}
	if !scu.IsConnected() {
		t.Error("cancel should not close the association")
	}
}

func TestHandlerStatusError(t *testing.T) {
	handler := &findHandler{err: NewStatusError(StatusIdentifierDoesNotMatch, "missing query retrieve level")}
	scu, _ := pipePair(t, queryDispatcher(handler), nil)

	status, err := scu.CFindStream(context.Background(), CFindRequest{Identifier: patientIdentifier(t, "", "X")}, nil)
	if status != StatusIdentifierDoesNotMatch {
		t.Errorf("status = %s", status)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Comment != "missing query retrieve level" {
		t.Errorf("err = %v", err)
	}
}

func TestUnrecognizedOperation(t *testing.T) {
	scu, _ := pipePair(t, queryDispatcher(&findHandler{}), nil)

	pc, err := scu.ContextFor(StudyRootQueryRetrieveFind)
	if err != nil {
		t.Fatalf("ContextFor failed: %v", err)
	}
	c := NewCorrelator(nil)
	scu.SendRequest(pc, &Message{CommandField: CMoveRQ, MoveDestination: "ELSEWHERE"}, patientIdentifier(t, "STUDY", "X"), c, testTimeout)

	rsp := waitDone(t, c)
	if rsp.Status() != StatusUnrecognizedOperation {
		t.Errorf("status = %s", rsp.Status())
	}
	if !errors.Is(rsp.Err, ErrUnrecognizedOperation) {
		t.Errorf("err = %v", rsp.Err)
	}
	if rsp.Message.CommandField != CMoveRSP {
		t.Errorf("response command = %s", rsp.Message.CommandField)
	}
}

func TestUniqueMessageIDs(t *testing.T) {
	scu, peer := newRawPeer(t, nil)
	pc, err := scu.ContextFor(StudyRootQueryRetrieveFind)
	if err != nil {
		t.Fatalf("ContextFor failed: %v", err)
	}

	const n = 40
	identifier := patientIdentifier(t, "PATIENT", "*")
	correlators := make([]*Correlator, n)
	var wg sync.WaitGroup
	for i := range n {
		correlators[i] = NewCorrelator(nil)
		wg.Add(1)
		go func(c *Correlator) {
			defer wg.Done()
			scu.SendRequest(pc, &Message{CommandField: CFindRQ}, identifier, c, testTimeout)
		}(correlators[i])
	}

	seen := make(map[uint16]bool, n)
	for range n {
		req := peer.nextMessage(t)
		if req.MessageID == 0 || seen[req.MessageID] {
			t.Fatalf("message id %d is zero or reused", req.MessageID)
		}
		seen[req.MessageID] = true
		peer.respond(t, req, StatusSuccess, nil)
	}
	wg.Wait()

	for _, c := range correlators {
		rsp := waitDone(t, c)
		if rsp.Outcome != OutcomeResponse || rsp.Message.MessageIDBeingRespondedTo != c.MessageID() {
			t.Errorf("correlator %d got %s for %d", c.MessageID(), rsp.Outcome, rsp.Message.MessageIDBeingRespondedTo)
		}
	}
}

func TestPendingDeliveredBeforeFinal(t *testing.T) {
	scu, peer := newRawPeer(t, nil)
	pc, _ := scu.ContextFor(StudyRootQueryRetrieveFind)

	rec := &recorder{}
	c := NewCorrelator(rec.record)
	scu.SendRequest(pc, &Message{CommandField: CFindRQ}, patientIdentifier(t, "PATIENT", "*"), c, testTimeout)

	req := peer.nextMessage(t)
	for _, id := range []string{"A", "B", "C"} {
		peer.respond(t, req, StatusPending, patientIdentifier(t, "PATIENT", id))
	}
	peer.respond(t, req, StatusSuccess, nil)
	waitDone(t, c)

	got := rec.snapshot()
	if len(got) != 4 {
		t.Fatalf("got %d deliveries, want 4", len(got))
	}
	for i, id := range []string{"A", "B", "C"} {
		if got[i].Final || GetString(got[i].Data(), tag.PatientID) != id {
			t.Errorf("delivery %d = %+v", i, got[i])
		}
	}
	if !got[3].Final || got[3].Status() != StatusSuccess {
		t.Errorf("final delivery = %+v", got[3])
	}
}

func TestTimeoutThenLateResponse(t *testing.T) {
	obs := newCountingObserver()
	scu, peer := newRawPeer(t, obs)
	pc, _ := scu.ContextFor(StudyRootQueryRetrieveFind)

	rec := &recorder{}
	c := NewCorrelator(rec.record)
	scu.SendRequest(pc, &Message{CommandField: CFindRQ}, patientIdentifier(t, "PATIENT", "*"), c, 100*time.Millisecond)
	req := peer.nextMessage(t)

	rsp := waitDone(t, c)
	if rsp.Outcome != OutcomeTimeout || !errors.Is(rsp.Err, ErrTimeout) {
		t.Fatalf("final = %s / %v", rsp.Outcome, rsp.Err)
	}

	peer.respond(t, req, StatusSuccess, nil)
	waitFor(t, "unknown message id", func() bool { return obs.unknown.Load() == 1 })

	if got := rec.snapshot(); len(got) != 1 {
		t.Errorf("got %d deliveries, want 1", len(got))
	}
	if obs.timeouts.Load() != 1 {
		t.Errorf("timeouts observed = %d", obs.timeouts.Load())
	}
	if !scu.IsConnected() {
		t.Error("late response should not close the association")
	}
}

func TestUnknownMessageIDDropped(t *testing.T) {
	obs := newCountingObserver()
	scu, peer := newRawPeer(t, obs)
	pc, _ := scu.ContextFor(StudyRootQueryRetrieveFind)

	peer.respond(t, &Message{CommandField: CFindRQ, MessageID: 999, ContextID: pc.ID}, StatusSuccess, nil)
	waitFor(t, "unknown message id", func() bool { return obs.unknown.Load() == 1 })

	c := NewCorrelator(nil)
	scu.SendRequest(pc, &Message{CommandField: CFindRQ}, patientIdentifier(t, "PATIENT", "*"), c, testTimeout)
	peer.respond(t, peer.nextMessage(t), StatusSuccess, nil)
	if rsp := waitDone(t, c); rsp.Outcome != OutcomeResponse {
		t.Errorf("outcome = %s", rsp.Outcome)
	}
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	scu, peer := newRawPeer(t, nil)
	pc, _ := scu.ContextFor(StudyRootQueryRetrieveFind)

	c := NewCorrelator(nil)
	scu.SendRequest(pc, &Message{CommandField: CFindRQ}, patientIdentifier(t, "PATIENT", "*"), c, time.Minute)
	peer.nextMessage(t)

	if err := WritePDU(peer.conn, PDUAbort, encodeAbort(AbortSourceServiceProvider, AbortReasonNotSpecified)); err != nil {
		t.Fatalf("failed to send A-ABORT: %v", err)
	}

	rsp := waitDone(t, c)
	if rsp.Outcome != OutcomeClosed || !errors.Is(rsp.Err, ErrAssociationClosed) {
		t.Errorf("final = %s / %v", rsp.Outcome, rsp.Err)
	}
	<-scu.Done()
	var abortErr *AbortError
	if !errors.As(scu.Err(), &abortErr) || abortErr.Source != AbortSourceServiceProvider {
		t.Errorf("association error = %v", scu.Err())
	}

	late := NewCorrelator(nil)
	if id := scu.SendRequest(pc, &Message{CommandField: CFindRQ}, nil, late, testTimeout); id != 0 {
		t.Errorf("request on closed association got id %d", id)
	}
	if rsp := waitDone(t, late); rsp.Outcome != OutcomeLocalError {
		t.Errorf("outcome after close = %s", rsp.Outcome)
	}
}

func TestFramingErrorAborts(t *testing.T) {
	scu, peer := newRawPeer(t, nil)
	pc, _ := scu.ContextFor(StudyRootQueryRetrieveFind)

	c := NewCorrelator(nil)
	scu.SendRequest(pc, &Message{CommandField: CFindRQ}, patientIdentifier(t, "PATIENT", "*"), c, time.Minute)
	peer.nextMessage(t)

	// PDV claims 64 bytes with only 4 present
	body := binary.BigEndian.AppendUint32(nil, 64)
	body = append(body, pc.ID, 0x03, 0, 0)
	if err := WritePDU(peer.conn, PDUPDataTF, body); err != nil {
		t.Fatalf("failed to write PDU: %v", err)
	}

	if pdu := peer.nextPDU(t); pdu.Type != PDUAbort {
		t.Errorf("peer received %s, want A-ABORT", pdu.Type)
	}
	rsp := waitDone(t, c)
	if rsp.Outcome != OutcomeClosed {
		t.Errorf("outcome = %s", rsp.Outcome)
	}
	<-scu.Done()
	if !errors.Is(scu.Err(), ErrFraming) {
		t.Errorf("association error = %v", scu.Err())
	}
}

func TestUnacceptedContextIsLocalError(t *testing.T) {
	scu, _ := newRawPeer(t, nil)

	c := NewCorrelator(nil)
	id := scu.SendRequest(&PresentationContext{ID: 99, AbstractSyntax: StudyRootQueryRetrieveFind}, &Message{CommandField: CFindRQ}, nil, c, testTimeout)
	if id != 0 {
		t.Errorf("id = %d, want 0", id)
	}
	rsp := waitDone(t, c)
	if rsp.Outcome != OutcomeLocalError || !errors.Is(rsp.Err, ErrContextNotAccepted) {
		t.Errorf("final = %s / %v", rsp.Outcome, rsp.Err)
	}
}

func TestRelease(t *testing.T) {
	scu, scp := pipePair(t, queryDispatcher(&findHandler{}), nil)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := scu.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	select {
	case <-scp.Done():
	case <-ctx.Done():
		t.Fatal("acceptor did not close after release")
	}
	if scu.Err() != nil || scp.Err() != nil {
		t.Errorf("orderly release reported errors: %v / %v", scu.Err(), scp.Err())
	}
	if scu.State() != StateClosed {
		t.Errorf("state = %s", scu.State())
	}
	if err := scu.CEcho(ctx); err == nil {
		t.Error("echo succeeded on released association")
	}
}

func TestNegotiationFailure(t *testing.T) {
	d := NewDispatcher()
	d.Register(VerificationSOPClass, VerificationService{})

	c1, c2 := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	acceptErr := make(chan error, 1)
	go func() {
		_, err := AcceptAssociation(ctx, c2, AssociationConfig{Logger: nopLogger()}, d)
		acceptErr <- err
	}()

	scu := NewAssociation(AssociationConfig{
		CallingAET: "TEST_SCU",
		CalledAET:  "TEST_SCP",
		Proposals:  []Proposal{{AbstractSyntax: StudyRootQueryRetrieveFind}},
		Logger:     nopLogger(),
	})
	err := scu.ConnectWith(ctx, c1)

	var rejectErr *RejectError
	if !errors.As(err, &rejectErr) || !rejectErr.Permanent() {
		t.Errorf("requestor error = %v, want permanent rejection", err)
	}
	if !IsNegotiationFailure(<-acceptErr) {
		t.Error("acceptor should report a negotiation failure")
	}
	if scu.State() != StateClosed {
		t.Errorf("requestor state = %s", scu.State())
	}
}

func TestCalledAETitleRejected(t *testing.T) {
	c1, c2 := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	go func() {
		_, _ = AcceptAssociation(ctx, c2, AssociationConfig{CalledAET: "RIS_SCP", Logger: nopLogger()}, queryDispatcher(&findHandler{}))
	}()

	scu := NewAssociation(AssociationConfig{CallingAET: "TEST_SCU", CalledAET: "SOMEONE_ELSE", Logger: nopLogger()})
	err := scu.ConnectWith(ctx, c1)

	var rejectErr *RejectError
	if !errors.As(err, &rejectErr) || rejectErr.Reason != RejectReasonCalledAETitleNotRecognized {
		t.Errorf("err = %v", err)
	}
}

type failingHandler struct{ err error }

func (failingHandler) Commands() []CommandField { return []CommandField{CFindRQ} }

func (h failingHandler) OnRequest(_ *Association, _ *PresentationContext, _ *Message) (Operation, error) {
	return OperationFunc(func(context.Context) iter.Seq2[*dicom.Dataset, error] {
		return func(yield func(*dicom.Dataset, error) bool) {
			ds, _ := NewDataset(map[tag.Tag]string{tag.PatientID: "P1"})
			if !yield(ds, nil) {
				return
			}
			yield(nil, h.err)
		}
	}), nil
}

func TestOperationFailureComment(t *testing.T) {
	handler := failingHandler{err: NewStatusError(StatusProcessingFailure, "index unavailable")}
	scu, _ := pipePair(t, queryDispatcher(handler), nil)

	var results int
	status, err := scu.CFindStream(context.Background(), CFindRequest{Identifier: patientIdentifier(t, "STUDY", "*")},
		func(*dicom.Dataset) { results++ })
	if status != StatusProcessingFailure {
		t.Errorf("status = %s", status)
	}
	if results != 1 {
		t.Errorf("results before failure = %d, want 1", results)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Comment != "index unavailable" {
		t.Errorf("err = %v, want the producer's comment", err)
	}
}

func TestMessageIDWrapsPastZero(t *testing.T) {
	a := NewAssociation(AssociationConfig{CallingAET: "SCU", CalledAET: "SCP", Logger: nopLogger()})

	const free = 0x1234
	for id := 1; id <= 0xFFFF; id++ {
		if id != free {
			a.correlators[uint16(id)] = nil
		}
	}
	// The counter reaches the free id only after wrapping through 0.
	a.nextID.Store(free)

	pc := &PresentationContext{ID: 1, AbstractSyntax: VerificationSOPClass}
	id, err := a.register(NewCorrelator(nil), pc, CEchoRQ)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if id != free {
		t.Errorf("message id = %#x, want %#x", id, free)
	}

	if _, err := a.register(NewCorrelator(nil), pc, CEchoRQ); !errors.Is(err, ErrMessageIDsExhausted) {
		t.Errorf("register on a full table = %v, want ErrMessageIDsExhausted", err)
	}
	a.correlators = make(map[uint16]*Correlator)
}

func TestWriteBeforeEstablished(t *testing.T) {
	a := NewAssociation(AssociationConfig{CallingAET: "SCU", CalledAET: "SCP", Logger: nopLogger()})
	pc := &PresentationContext{ID: 1, AbstractSyntax: VerificationSOPClass}

	tests := []struct {
		name string
		call func() error
	}{
		{"cancel", func() error { return a.Cancel(pc, 1) }},
		{"response", func() error {
			return a.SendResponse(pc, &Message{
				CommandField:              CEchoRSP,
				MessageIDBeingRespondedTo: 1,
				Status:                    StatusSuccess,
			})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrNotEstablished) {
				t.Errorf("err = %v, want ErrNotEstablished", err)
			}
		})
	}
}
