package dimse

import (
	"context"
	"iter"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"go.uber.org/atomic"
)

const testTimeout = 5 * time.Second

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// countingObserver records protocol events for assertions
type countingObserver struct {
	nopObserver
	unknown  *atomic.Int32
	timeouts *atomic.Int32
}

func newCountingObserver() *countingObserver {
	return &countingObserver{unknown: atomic.NewInt32(0), timeouts: atomic.NewInt32(0)}
}

func (o *countingObserver) UnknownMessageID()            { o.unknown.Inc() }
func (o *countingObserver) RequestTimedOut(CommandField) { o.timeouts.Inc() }

// pipePair establishes a requestor/acceptor pair over net.Pipe.
func pipePair(t *testing.T, dispatcher *Dispatcher, proposals []Proposal) (*Association, *Association) {
	t.Helper()

	c1, c2 := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	type result struct {
		as  *Association
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		as, err := AcceptAssociation(ctx, c2, AssociationConfig{
			CalledAET: "TEST_SCP",
			Timeout:   testTimeout,
			Logger:    nopLogger(),
		}, dispatcher)
		accepted <- result{as, err}
	}()

	scu := NewAssociation(AssociationConfig{
		CallingAET: "TEST_SCU",
		CalledAET:  "TEST_SCP",
		Timeout:    testTimeout,
		Proposals:  proposals,
		Logger:     nopLogger(),
	})
	if err := scu.ConnectWith(ctx, c1); err != nil {
		t.Fatalf("ConnectWith failed: %v", err)
	}

	r := <-accepted
	if r.err != nil {
		t.Fatalf("AcceptAssociation failed: %v", r.err)
	}

	t.Cleanup(func() {
		scu.Abort()
		r.as.Abort()
	})
	return scu, r.as
}

// rawPeer is a hand driven acceptor for exercising the requestor side.
type rawPeer struct {
	conn     net.Conn
	contexts map[byte]string
	messages chan *Message
	pdus     chan *PDU
	errs     chan error
}

func newRawPeer(t *testing.T, observer Observer) (*Association, *rawPeer) {
	t.Helper()

	c1, c2 := net.Pipe()
	peer := &rawPeer{
		conn:     c2,
		contexts: make(map[byte]string),
		messages: make(chan *Message, 16),
		pdus:     make(chan *PDU, 16),
		errs:     make(chan error, 1),
	}

	go func() {
		pdu, err := ReadPDU(c2, 0)
		if err != nil {
			peer.errs <- err
			return
		}
		rq, err := DecodeAssociateRQ(pdu.Data)
		if err != nil {
			peer.errs <- err
			return
		}
		var results []*PresentationContext
		for _, pc := range rq.Contexts {
			results = append(results, &PresentationContext{ID: pc.ID, Result: ResultAcceptance, TransferSyntax: ImplicitVRLittleEndian})
			peer.contexts[pc.ID] = ImplicitVRLittleEndian
		}
		ac := &AssociateAC{CalledAETitle: rq.CalledAETitle, CallingAETitle: rq.CallingAETitle, Results: results, MaxPDULength: 16384}
		if err := WritePDU(c2, PDUAssociateAC, ac.Encode()); err != nil {
			peer.errs <- err
			return
		}
		peer.readLoop()
	}()

	scu := NewAssociation(AssociationConfig{
		CallingAET: "TEST_SCU",
		CalledAET:  "RAW_PEER",
		Timeout:    testTimeout,
		Proposals:  []Proposal{{AbstractSyntax: StudyRootQueryRetrieveFind, TransferSyntaxes: []string{ImplicitVRLittleEndian}}},
		Observer:   observer,
		Logger:     nopLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := scu.ConnectWith(ctx, c1); err != nil {
		t.Fatalf("ConnectWith failed: %v", err)
	}

	t.Cleanup(func() {
		scu.Abort()
		_ = c2.Close()
	})
	return scu, peer
}

func (p *rawPeer) readLoop() {
	var asm assembler
	ts := func(id byte) (string, bool) {
		s, ok := p.contexts[id]
		return s, ok
	}
	for {
		pdu, err := ReadPDU(p.conn, 0)
		if err != nil {
			return
		}
		if pdu.Type != PDUPDataTF {
			p.pdus <- pdu
			continue
		}
		pdvs, err := DecodePDataTF(pdu.Data)
		if err != nil {
			return
		}
		for _, pdv := range pdvs {
			msg, err := asm.add(pdv, ts)
			if err != nil {
				return
			}
			if msg != nil {
				p.messages <- msg
			}
		}
	}
}

func (p *rawPeer) nextMessage(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-p.messages:
		return msg
	case err := <-p.errs:
		t.Fatalf("raw peer failed: %v", err)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for message at raw peer")
	}
	return nil
}

func (p *rawPeer) nextPDU(t *testing.T) *PDU {
	t.Helper()
	select {
	case pdu := <-p.pdus:
		return pdu
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for PDU at raw peer")
	}
	return nil
}

// respond sends a response to req from the peer side
func (p *rawPeer) respond(t *testing.T, req *Message, status Status, data *dicom.Dataset) {
	t.Helper()
	rsp := responseFor(req, status)
	rsp.CommandDataSetType = DataSetAbsent
	var payload []byte
	if data != nil {
		rsp.CommandDataSetType = DataSetPresent
		var err error
		payload, err = EncodeDataset(data, ImplicitVRLittleEndian)
		if err != nil {
			t.Fatalf("EncodeDataset failed: %v", err)
		}
	}
	if err := writeFragments(p.conn, req.ContextID, true, EncodeCommand(rsp), 0); err != nil {
		t.Fatalf("failed to write response command: %v", err)
	}
	if payload != nil {
		if err := writeFragments(p.conn, req.ContextID, false, payload, 0); err != nil {
			t.Fatalf("failed to write response data: %v", err)
		}
	}
}

// recorder collects correlator deliveries
type recorder struct {
	mu        sync.Mutex
	responses []*Response
}

func (r *recorder) record(rsp *Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, rsp)
}

func (r *recorder) snapshot() []*Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Response, len(r.responses))
	copy(out, r.responses)
	return out
}

func waitDone(t *testing.T, c *Correlator) *Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	rsp, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("correlator did not terminate: %v", err)
	}
	return rsp
}

func patientIdentifier(t *testing.T, level, patientID string) *dicom.Dataset {
	t.Helper()
	ds, err := NewDataset(map[tag.Tag]string{
		tag.QueryRetrieveLevel: level,
		tag.PatientID:          patientID,
		tag.PatientName:        "",
	})
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}
	return ds
}

// findHandler serves C-FIND from a fixed result list or a channel
type findHandler struct {
	results []*dicom.Dataset
	feed    chan *dicom.Dataset
	err     error
}

func (h *findHandler) Commands() []CommandField { return []CommandField{CFindRQ} }

func (h *findHandler) OnRequest(_ *Association, _ *PresentationContext, req *Message) (Operation, error) {
	if h.err != nil {
		return nil, h.err
	}
	if h.feed == nil {
		return SliceOperation(h.results), nil
	}
	return OperationFunc(func(ctx context.Context) iter.Seq2[*dicom.Dataset, error] {
		return func(yield func(*dicom.Dataset, error) bool) {
			for {
				select {
				case <-ctx.Done():
					return
				case ds, ok := <-h.feed:
					if !ok {
						return
					}
					if !yield(ds, nil) {
						return
					}
				}
			}
		}
	}), nil
}
