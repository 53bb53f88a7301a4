package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDUType identifies an upper layer PDU
type PDUType byte

const (
	PDUAssociateRQ PDUType = 0x01
	PDUAssociateAC PDUType = 0x02
	PDUAssociateRJ PDUType = 0x03
	PDUPDataTF     PDUType = 0x04
	PDUReleaseRQ   PDUType = 0x05
	PDUReleaseRP   PDUType = 0x06
	PDUAbort       PDUType = 0x07
)

func (t PDUType) String() string {
	switch t {
	case PDUAssociateRQ:
		return "A-ASSOCIATE-RQ"
	case PDUAssociateAC:
		return "A-ASSOCIATE-AC"
	case PDUAssociateRJ:
		return "A-ASSOCIATE-RJ"
	case PDUPDataTF:
		return "P-DATA-TF"
	case PDUReleaseRQ:
		return "A-RELEASE-RQ"
	case PDUReleaseRP:
		return "A-RELEASE-RP"
	case PDUAbort:
		return "A-ABORT"
	default:
		return fmt.Sprintf("PDU(0x%02X)", byte(t))
	}
}

// Variable item types of the association PDUs
const (
	itemApplicationContext    = 0x10
	itemPresentationContextRQ = 0x20
	itemPresentationContextAC = 0x21
	itemAbstractSyntax        = 0x30
	itemTransferSyntax        = 0x40
	itemUserInformation       = 0x50
	itemMaxLength             = 0x51
	itemImplementationClass   = 0x52
	itemImplementationVersion = 0x55
)

// A-ASSOCIATE-RJ fields
const (
	RejectResultPermanent byte = 0x01
	RejectResultTransient byte = 0x02

	RejectSourceServiceUser                 byte = 0x01
	RejectSourceServiceProviderACSE         byte = 0x02
	RejectSourceServiceProviderPresentation byte = 0x03

	RejectReasonNoReasonGiven                  byte = 0x01
	RejectReasonApplicationContextNotSupported byte = 0x02
	RejectReasonCallingAETitleNotRecognized    byte = 0x03
	RejectReasonCalledAETitleNotRecognized     byte = 0x07
)

// A-ABORT fields
const (
	AbortSourceServiceUser     byte = 0x00
	AbortSourceServiceProvider byte = 0x02

	AbortReasonNotSpecified     byte = 0x00
	AbortReasonUnrecognizedPDU  byte = 0x01
	AbortReasonUnexpectedPDU    byte = 0x02
	AbortReasonInvalidParameter byte = 0x06
)

const (
	pduHeaderLength      = 6
	associateFixedLength = 68
	aeTitleLength        = 16
)

// PDU is one upper layer protocol data unit
type PDU struct {
	Type PDUType
	Data []byte
}

// ReadPDU reads one PDU. A declared length above maxLength is a framing error;
// maxLength 0 disables the check.
func ReadPDU(r io.Reader, maxLength uint32) (*PDU, error) {
	header := make([]byte, pduHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	pduType := PDUType(header[0])
	length := binary.BigEndian.Uint32(header[2:6])
	if maxLength > 0 && length > maxLength {
		return nil, framingError(pduType, "declared length %d exceeds limit %d", length, maxLength)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read %s body: %w", pduType, err)
	}

	return &PDU{Type: pduType, Data: data}, nil
}

// EncodePDU prepends the PDU header to body
func EncodePDU(t PDUType, body []byte) []byte {
	buf := make([]byte, pduHeaderLength, pduHeaderLength+len(body))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	return append(buf, body...)
}

// WritePDU writes one PDU in a single write call
func WritePDU(w io.Writer, t PDUType, body []byte) error {
	_, err := w.Write(EncodePDU(t, body))
	return err
}

// ProposedContext is a presentation context as offered in an A-ASSOCIATE-RQ
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AssociateRQ is the body of an A-ASSOCIATE-RQ
type AssociateRQ struct {
	CalledAETitle             string
	CallingAETitle            string
	ApplicationContext        string
	Contexts                  []ProposedContext
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

// AssociateAC is the body of an A-ASSOCIATE-AC
type AssociateAC struct {
	CalledAETitle             string
	CallingAETitle            string
	ApplicationContext        string
	Results                   []*PresentationContext
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

// AssociateRJ is the body of an A-ASSOCIATE-RJ
type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

// Encode returns the PDU body
func (rq *AssociateRQ) Encode() []byte {
	buf := appendFixedPart(nil, rq.CalledAETitle, rq.CallingAETitle)
	buf = appendItem(buf, itemApplicationContext, []byte(orDefault(rq.ApplicationContext, ApplicationContextName)))

	for _, pc := range rq.Contexts {
		value := []byte{pc.ID, 0x00, 0x00, 0x00}
		value = appendItem(value, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			value = appendItem(value, itemTransferSyntax, []byte(ts))
		}
		buf = appendItem(buf, itemPresentationContextRQ, value)
	}

	return appendUserInformation(buf, rq.MaxPDULength, rq.ImplementationClassUID, rq.ImplementationVersionName)
}

// Encode returns the PDU body
func (ac *AssociateAC) Encode() []byte {
	buf := appendFixedPart(nil, ac.CalledAETitle, ac.CallingAETitle)
	buf = appendItem(buf, itemApplicationContext, []byte(orDefault(ac.ApplicationContext, ApplicationContextName)))

	for _, pc := range ac.Results {
		value := []byte{pc.ID, 0x00, byte(pc.Result), 0x00}
		// the transfer syntax sub-item is present but ignored for rejected contexts
		value = appendItem(value, itemTransferSyntax, []byte(pc.TransferSyntax))
		buf = appendItem(buf, itemPresentationContextAC, value)
	}

	return appendUserInformation(buf, ac.MaxPDULength, ac.ImplementationClassUID, ac.ImplementationVersionName)
}

// Encode returns the PDU body
func (rj *AssociateRJ) Encode() []byte {
	return []byte{0x00, rj.Result, rj.Source, rj.Reason}
}

// DecodeAssociateRQ parses an A-ASSOCIATE-RQ body
func DecodeAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < associateFixedLength {
		return nil, framingError(PDUAssociateRQ, "body too short: %d", len(data))
	}

	rq := &AssociateRQ{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
	}

	err := walkItems(PDUAssociateRQ, data[associateFixedLength:], func(itemType byte, value []byte) error {
		switch itemType {
		case itemApplicationContext:
			rq.ApplicationContext = normalizeUID(value)
		case itemPresentationContextRQ:
			pc, err := decodeProposedContext(value)
			if err != nil {
				return err
			}
			rq.Contexts = append(rq.Contexts, pc)
		case itemUserInformation:
			return decodeUserInformation(PDUAssociateRQ, value, &rq.MaxPDULength, &rq.ImplementationClassUID, &rq.ImplementationVersionName)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return rq, nil
}

// DecodeAssociateAC parses an A-ASSOCIATE-AC body
func DecodeAssociateAC(data []byte) (*AssociateAC, error) {
	if len(data) < associateFixedLength {
		return nil, framingError(PDUAssociateAC, "body too short: %d", len(data))
	}

	ac := &AssociateAC{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
	}

	err := walkItems(PDUAssociateAC, data[associateFixedLength:], func(itemType byte, value []byte) error {
		switch itemType {
		case itemApplicationContext:
			ac.ApplicationContext = normalizeUID(value)
		case itemPresentationContextAC:
			if len(value) < 4 {
				return framingError(PDUAssociateAC, "presentation context item too short")
			}
			pc := &PresentationContext{ID: value[0], Result: ResultCode(value[2])}
			err := walkItems(PDUAssociateAC, value[4:], func(subType byte, sub []byte) error {
				if subType == itemTransferSyntax {
					pc.TransferSyntax = normalizeUID(sub)
				}
				return nil
			})
			if err != nil {
				return err
			}
			ac.Results = append(ac.Results, pc)
		case itemUserInformation:
			return decodeUserInformation(PDUAssociateAC, value, &ac.MaxPDULength, &ac.ImplementationClassUID, &ac.ImplementationVersionName)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ac, nil
}

// DecodeAssociateRJ parses an A-ASSOCIATE-RJ body
func DecodeAssociateRJ(data []byte) (*AssociateRJ, error) {
	if len(data) < 4 {
		return nil, framingError(PDUAssociateRJ, "body too short: %d", len(data))
	}
	return &AssociateRJ{Result: data[1], Source: data[2], Reason: data[3]}, nil
}

func encodeAbort(source, reason byte) []byte {
	return []byte{0x00, 0x00, source, reason}
}

func decodeAbort(data []byte) *AbortError {
	if len(data) < 4 {
		return &AbortError{}
	}
	return &AbortError{Source: data[2], Reason: data[3]}
}

// release PDUs carry four reserved bytes
var releaseBody = []byte{0x00, 0x00, 0x00, 0x00}

func decodeProposedContext(value []byte) (ProposedContext, error) {
	if len(value) < 4 {
		return ProposedContext{}, framingError(PDUAssociateRQ, "presentation context item too short")
	}

	pc := ProposedContext{ID: value[0]}
	err := walkItems(PDUAssociateRQ, value[4:], func(subType byte, sub []byte) error {
		switch subType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = normalizeUID(sub)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, normalizeUID(sub))
		}
		return nil
	})
	return pc, err
}

func decodeUserInformation(t PDUType, value []byte, maxLength *uint32, classUID, versionName *string) error {
	return walkItems(t, value, func(subType byte, sub []byte) error {
		switch subType {
		case itemMaxLength:
			if len(sub) != 4 {
				return framingError(t, "maximum length sub-item has length %d", len(sub))
			}
			*maxLength = binary.BigEndian.Uint32(sub)
		case itemImplementationClass:
			*classUID = normalizeUID(sub)
		case itemImplementationVersion:
			*versionName = strings.TrimSpace(string(sub))
		}
		return nil
	})
}

// walkItems iterates type/reserved/length(2)/value items
func walkItems(t PDUType, data []byte, fn func(itemType byte, value []byte) error) error {
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return framingError(t, "truncated item header at offset %d", offset)
		}
		itemType := data[offset]
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		start := offset + 4
		end := start + length
		if end > len(data) {
			return framingError(t, "item 0x%02X exceeds body length", itemType)
		}
		if err := fn(itemType, data[start:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

func appendFixedPart(buf []byte, called, calling string) []byte {
	buf = append(buf, 0x00, 0x01, 0x00, 0x00) // protocol version 1, reserved
	buf = append(buf, padAET(called)...)
	buf = append(buf, padAET(calling)...)
	return append(buf, make([]byte, 32)...)
}

func appendUserInformation(buf []byte, maxLength uint32, classUID, versionName string) []byte {
	var value []byte
	value = appendItem(value, itemMaxLength, binary.BigEndian.AppendUint32(nil, maxLength))
	value = appendItem(value, itemImplementationClass, []byte(orDefault(classUID, ImplementationClassUID)))
	value = appendItem(value, itemImplementationVersion, []byte(orDefault(versionName, ImplementationVersionName)))
	return appendItem(buf, itemUserInformation, value)
}

// padAET pads AE Title to 16 bytes with spaces
func padAET(aet string) []byte {
	result := make([]byte, aeTitleLength)
	n := copy(result, aet)
	for i := n; i < aeTitleLength; i++ {
		result[i] = ' '
	}
	return result
}

func trimAETitle(raw []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(raw), "\x00"))
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
