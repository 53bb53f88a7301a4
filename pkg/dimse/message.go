package dimse

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/suyashkumar/dicom"
)

// CommandField identifies a DIMSE operation (0000,0100)
type CommandField uint16

const (
	CStoreRQ  CommandField = 0x0001
	CStoreRSP CommandField = 0x8001
	CGetRQ    CommandField = 0x0010
	CGetRSP   CommandField = 0x8010
	CFindRQ   CommandField = 0x0020
	CFindRSP  CommandField = 0x8020
	CMoveRQ   CommandField = 0x0021
	CMoveRSP  CommandField = 0x8021
	CEchoRQ   CommandField = 0x0030
	CEchoRSP  CommandField = 0x8030
	CCancelRQ CommandField = 0x0FFF
)

// IsResponse reports whether the field is a response kind
func (c CommandField) IsResponse() bool { return c&0x8000 != 0 }

// Response returns the response kind paired with a request kind
func (c CommandField) Response() CommandField { return c | 0x8000 }

func (c CommandField) String() string {
	switch c {
	case CStoreRQ:
		return "C-STORE-RQ"
	case CStoreRSP:
		return "C-STORE-RSP"
	case CGetRQ:
		return "C-GET-RQ"
	case CGetRSP:
		return "C-GET-RSP"
	case CFindRQ:
		return "C-FIND-RQ"
	case CFindRSP:
		return "C-FIND-RSP"
	case CMoveRQ:
		return "C-MOVE-RQ"
	case CMoveRSP:
		return "C-MOVE-RSP"
	case CEchoRQ:
		return "C-ECHO-RQ"
	case CEchoRSP:
		return "C-ECHO-RSP"
	case CCancelRQ:
		return "C-CANCEL-RQ"
	default:
		return fmt.Sprintf("COMMAND(0x%04X)", uint16(c))
	}
}

// Priority values (0000,0700)
const (
	PriorityMedium uint16 = 0x0000
	PriorityHigh   uint16 = 0x0001
	PriorityLow    uint16 = 0x0002
)

// CommandDataSetType values (0000,0800)
const (
	DataSetPresent uint16 = 0x0000
	DataSetAbsent  uint16 = 0x0101
)

// Command group elements
const (
	elemGroupLength               uint16 = 0x0000
	elemAffectedSOPClassUID       uint16 = 0x0002
	elemRequestedSOPClassUID      uint16 = 0x0003
	elemCommandField              uint16 = 0x0100
	elemMessageID                 uint16 = 0x0110
	elemMessageIDBeingRespondedTo uint16 = 0x0120
	elemMoveDestination           uint16 = 0x0600
	elemPriority                  uint16 = 0x0700
	elemCommandDataSetType        uint16 = 0x0800
	elemStatus                    uint16 = 0x0900
	elemErrorComment              uint16 = 0x0902
	elemAffectedSOPInstanceUID    uint16 = 0x1000
	elemRemainingSubOperations    uint16 = 0x1020
	elemCompletedSubOperations    uint16 = 0x1021
	elemFailedSubOperations       uint16 = 0x1022
	elemWarningSubOperations      uint16 = 0x1023
)

// Message is one DIMSE message: a command set plus an optional data set.
type Message struct {
	CommandField              CommandField
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	MoveDestination           string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    Status
	ErrorComment              string

	// sub-operation counters, C-GET and C-MOVE responses only
	Remaining *uint16
	Completed *uint16
	Failed    *uint16
	Warning   *uint16

	// ContextID is the presentation context the message travels on
	ContextID byte
	Data      *dicom.Dataset
}

// HasData reports whether a data set follows the command set
func (m *Message) HasData() bool {
	return m.CommandDataSetType != DataSetAbsent
}

// CorrelationID is the message id a response answers, or the request's own id.
func (m *Message) CorrelationID() uint16 {
	if m.CommandField.IsResponse() {
		return m.MessageIDBeingRespondedTo
	}
	return m.MessageID
}

func (m *Message) String() string {
	if m.CommandField.IsResponse() {
		return fmt.Sprintf("%s[rsp-to=%d status=%s]", m.CommandField, m.MessageIDBeingRespondedTo, m.Status)
	}
	return fmt.Sprintf("%s[id=%d]", m.CommandField, m.MessageID)
}

type commandElement struct {
	element uint16
	value   []byte
}

// EncodeCommand serialises the command set in implicit VR little endian,
// group length first.
func EncodeCommand(m *Message) []byte {
	var elems []commandElement
	addUID := func(el uint16, v string) {
		if v != "" {
			elems = append(elems, commandElement{el, padEven([]byte(v), 0x00)})
		}
	}
	addString := func(el uint16, v string) {
		if v != "" {
			elems = append(elems, commandElement{el, padEven([]byte(v), ' ')})
		}
	}
	addUS := func(el uint16, v uint16) {
		elems = append(elems, commandElement{el, binary.LittleEndian.AppendUint16(nil, v)})
	}

	addUID(elemAffectedSOPClassUID, m.AffectedSOPClassUID)
	addUS(elemCommandField, uint16(m.CommandField))
	if m.CommandField.IsResponse() || m.CommandField == CCancelRQ {
		addUS(elemMessageIDBeingRespondedTo, m.MessageIDBeingRespondedTo)
	}
	if !m.CommandField.IsResponse() && m.CommandField != CCancelRQ {
		addUS(elemMessageID, m.MessageID)
	}
	addString(elemMoveDestination, m.MoveDestination)
	if !m.CommandField.IsResponse() && m.CommandField != CCancelRQ && m.CommandField != CEchoRQ {
		addUS(elemPriority, m.Priority)
	}
	addUS(elemCommandDataSetType, m.CommandDataSetType)
	if m.CommandField.IsResponse() {
		addUS(elemStatus, uint16(m.Status))
	}
	addString(elemErrorComment, m.ErrorComment)
	addUID(elemAffectedSOPInstanceUID, m.AffectedSOPInstanceUID)
	for _, c := range []struct {
		el uint16
		v  *uint16
	}{
		{elemRemainingSubOperations, m.Remaining},
		{elemCompletedSubOperations, m.Completed},
		{elemFailedSubOperations, m.Failed},
		{elemWarningSubOperations, m.Warning},
	} {
		if c.v != nil {
			addUS(c.el, *c.v)
		}
	}

	slices.SortFunc(elems, func(a, b commandElement) int { return int(a.element) - int(b.element) })

	var body []byte
	for _, e := range elems {
		body = appendImplicitElement(body, e.element, e.value)
	}

	out := appendImplicitElement(nil, elemGroupLength, binary.LittleEndian.AppendUint32(nil, uint32(len(body))))
	return append(out, body...)
}

// DecodeCommand parses an implicit VR little endian command set.
func DecodeCommand(data []byte) (*Message, error) {
	m := &Message{CommandDataSetType: DataSetAbsent}
	seenField := false

	offset := 0
	for offset < len(data) {
		if offset+8 > len(data) {
			return nil, framingError(PDUPDataTF, "truncated command element at offset %d", offset)
		}
		group := binary.LittleEndian.Uint16(data[offset:])
		element := binary.LittleEndian.Uint16(data[offset+2:])
		length := int(binary.LittleEndian.Uint32(data[offset+4:]))
		start := offset + 8
		end := start + length
		if length < 0 || end > len(data) {
			return nil, framingError(PDUPDataTF, "command element (%04X,%04X) exceeds command set", group, element)
		}
		value := data[start:end]
		offset = end

		if group != 0x0000 {
			return nil, framingError(PDUPDataTF, "unexpected group %04X in command set", group)
		}

		switch element {
		case elemAffectedSOPClassUID:
			m.AffectedSOPClassUID = trimValue(value)
		case elemCommandField:
			v, err := readUS(element, value)
			if err != nil {
				return nil, err
			}
			m.CommandField = CommandField(v)
			seenField = true
		case elemMessageID:
			v, err := readUS(element, value)
			if err != nil {
				return nil, err
			}
			m.MessageID = v
		case elemMessageIDBeingRespondedTo:
			v, err := readUS(element, value)
			if err != nil {
				return nil, err
			}
			m.MessageIDBeingRespondedTo = v
		case elemMoveDestination:
			m.MoveDestination = trimValue(value)
		case elemPriority:
			v, err := readUS(element, value)
			if err != nil {
				return nil, err
			}
			m.Priority = v
		case elemCommandDataSetType:
			v, err := readUS(element, value)
			if err != nil {
				return nil, err
			}
			m.CommandDataSetType = v
		case elemStatus:
			v, err := readUS(element, value)
			if err != nil {
				return nil, err
			}
			m.Status = Status(v)
		case elemErrorComment:
			m.ErrorComment = trimValue(value)
		case elemAffectedSOPInstanceUID:
			m.AffectedSOPInstanceUID = trimValue(value)
		case elemRemainingSubOperations, elemCompletedSubOperations, elemFailedSubOperations, elemWarningSubOperations:
			v, err := readUS(element, value)
			if err != nil {
				return nil, err
			}
			switch element {
			case elemRemainingSubOperations:
				m.Remaining = &v
			case elemCompletedSubOperations:
				m.Completed = &v
			case elemFailedSubOperations:
				m.Failed = &v
			default:
				m.Warning = &v
			}
		}
	}

	if !seenField {
		return nil, framingError(PDUPDataTF, "command set has no command field")
	}
	return m, nil
}

func appendImplicitElement(buf []byte, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, 0x0000)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func readUS(element uint16, value []byte) (uint16, error) {
	if len(value) != 2 {
		return 0, framingError(PDUPDataTF, "element (0000,%04X) has length %d, want 2", element, len(value))
	}
	return binary.LittleEndian.Uint16(value), nil
}

func padEven(b []byte, pad byte) []byte {
	if len(b)%2 == 1 {
		return append(b, pad)
	}
	return b
}

func trimValue(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
