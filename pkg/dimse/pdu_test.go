package dimse

import (
	"bytes"
	"errors"
	"testing"
)

func TestAssociateRQEncodeDecode(t *testing.T) {
	rq := &AssociateRQ{
		CalledAETitle:  "ORTHANC",
		CallingAETitle: "RIS_NODE",
		Contexts: []ProposedContext{
			{ID: 1, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: []string{ImplicitVRLittleEndian}},
			{ID: 3, AbstractSyntax: StudyRootQueryRetrieveFind, TransferSyntaxes: []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}},
		},
		MaxPDULength: 32768,
	}

	body := rq.Encode()
	if got := string(body[4:20]); got != "ORTHANC         " {
		t.Errorf("called AE title field = %q", got)
	}

	decoded, err := DecodeAssociateRQ(body)
	if err != nil {
		t.Fatalf("DecodeAssociateRQ failed: %v", err)
	}
	if decoded.CalledAETitle != "ORTHANC" || decoded.CallingAETitle != "RIS_NODE" {
		t.Errorf("AE titles = %q/%q", decoded.CalledAETitle, decoded.CallingAETitle)
	}
	if decoded.ApplicationContext != ApplicationContextName {
		t.Errorf("application context = %q", decoded.ApplicationContext)
	}
	if decoded.MaxPDULength != 32768 {
		t.Errorf("max PDU length = %d", decoded.MaxPDULength)
	}
	if decoded.ImplementationClassUID != ImplementationClassUID {
		t.Errorf("implementation class = %q", decoded.ImplementationClassUID)
	}
	if len(decoded.Contexts) != 2 {
		t.Fatalf("contexts = %d, want 2", len(decoded.Contexts))
	}
	if pc := decoded.Contexts[1]; pc.ID != 3 || pc.AbstractSyntax != StudyRootQueryRetrieveFind || len(pc.TransferSyntaxes) != 2 {
		t.Errorf("second context = %+v", pc)
	}
}

func TestDecodeAssociateACResults(t *testing.T) {
	ac := &AssociateAC{
		CalledAETitle:  "PACS",
		CallingAETitle: "RIS",
		Results: []*PresentationContext{
			{ID: 1, Result: ResultAcceptance, TransferSyntax: ExplicitVRLittleEndian},
			{ID: 3, Result: ResultAbstractSyntaxNotSupported},
		},
		MaxPDULength: 65536,
	}

	decoded, err := DecodeAssociateAC(ac.Encode())
	if err != nil {
		t.Fatalf("DecodeAssociateAC failed: %v", err)
	}
	if len(decoded.Results) != 2 {
		t.Fatalf("results = %d", len(decoded.Results))
	}
	if decoded.Results[0].TransferSyntax != ExplicitVRLittleEndian || decoded.Results[0].Result != ResultAcceptance {
		t.Errorf("first result = %+v", decoded.Results[0])
	}
	if decoded.Results[1].Result != ResultAbstractSyntaxNotSupported {
		t.Errorf("second result = %s", decoded.Results[1].Result)
	}
	if decoded.MaxPDULength != 65536 {
		t.Errorf("max PDU length = %d", decoded.MaxPDULength)
	}
}

func TestDecodeAssociateRQFramingErrors(t *testing.T) {
	valid := (&AssociateRQ{CalledAETitle: "A", CallingAETitle: "B"}).Encode()

	tests := []struct {
		name string
		body []byte
	}{
		{"short fixed part", valid[:40]},
		{"truncated item header", append(append([]byte{}, valid...), 0x20, 0x00)},
		{"item longer than body", append(append([]byte{}, valid...), 0x20, 0x00, 0x00, 0x40, 0x01)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAssociateRQ(tt.body)
			if !errors.Is(err, ErrFraming) {
				t.Errorf("expected framing error, got %v", err)
			}
		})
	}
}

func TestReadPDU(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePDU(&buf, PDUReleaseRQ, releaseBody); err != nil {
		t.Fatalf("WritePDU failed: %v", err)
	}
	if got := buf.Bytes(); !bytes.Equal(got, []byte{0x05, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}) {
		t.Errorf("encoded A-RELEASE-RQ = % X", got)
	}

	pdu, err := ReadPDU(&buf, 0)
	if err != nil {
		t.Fatalf("ReadPDU failed: %v", err)
	}
	if pdu.Type != PDUReleaseRQ || len(pdu.Data) != 4 {
		t.Errorf("pdu = %s with %d bytes", pdu.Type, len(pdu.Data))
	}

	t.Run("exceeds limit", func(t *testing.T) {
		raw := EncodePDU(PDUPDataTF, make([]byte, 100))
		_, err := ReadPDU(bytes.NewReader(raw), 64)
		if !errors.Is(err, ErrFraming) {
			t.Errorf("expected framing error, got %v", err)
		}
	})

	t.Run("truncated body", func(t *testing.T) {
		raw := EncodePDU(PDUPDataTF, make([]byte, 10))
		_, err := ReadPDU(bytes.NewReader(raw[:12]), 0)
		if err == nil {
			t.Error("expected error for truncated body")
		}
	})
}

func TestAssociateRJ(t *testing.T) {
	rj := &AssociateRJ{Result: RejectResultPermanent, Source: RejectSourceServiceUser, Reason: RejectReasonCalledAETitleNotRecognized}
	decoded, err := DecodeAssociateRJ(rj.Encode())
	if err != nil {
		t.Fatalf("DecodeAssociateRJ failed: %v", err)
	}
	if *decoded != *rj {
		t.Errorf("decoded = %+v, want %+v", decoded, rj)
	}
}
