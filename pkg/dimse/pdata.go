package dimse

import (
	"encoding/binary"
	"io"
)

// Message control header bits
const (
	pdvCommand byte = 0x01
	pdvLast    byte = 0x02
)

// pdvOverhead is the item length field plus context id and control header
const pdvOverhead = 6

// PDV is one presentation data value item of a P-DATA-TF
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// DecodePDataTF splits a P-DATA-TF body into its PDVs.
func DecodePDataTF(body []byte) ([]PDV, error) {
	var pdvs []PDV
	offset := 0
	for offset < len(body) {
		if offset+4 > len(body) {
			return nil, framingError(PDUPDataTF, "truncated PDV length at offset %d", offset)
		}
		length := int(binary.BigEndian.Uint32(body[offset : offset+4]))
		if length < 2 {
			return nil, framingError(PDUPDataTF, "PDV length %d below minimum", length)
		}
		start := offset + 4
		end := start + length
		if end > len(body) || end < start {
			return nil, framingError(PDUPDataTF, "PDV length %d exceeds remaining %d bytes", length, len(body)-start)
		}

		header := body[start+1]
		pdvs = append(pdvs, PDV{
			ContextID: body[start],
			Command:   header&pdvCommand != 0,
			Last:      header&pdvLast != 0,
			Data:      body[start+2 : end],
		})
		offset = end
	}

	if len(pdvs) == 0 {
		return nil, framingError(PDUPDataTF, "no PDV items")
	}
	return pdvs, nil
}

// writeFragments writes payload as one P-DATA-TF per fragment, each PDU no
// larger than maxPDULength (0 means unlimited).
func writeFragments(w io.Writer, contextID byte, command bool, payload []byte, maxPDULength uint32) error {
	chunk := len(payload)
	if maxPDULength > pdvOverhead {
		chunk = int(maxPDULength) - pdvOverhead
	}
	if chunk <= 0 {
		chunk = len(payload)
	}

	for offset := 0; ; {
		end := min(offset+chunk, len(payload))
		header := byte(0)
		if command {
			header |= pdvCommand
		}
		if end == len(payload) {
			header |= pdvLast
		}

		body := make([]byte, 0, pdvOverhead+end-offset)
		body = binary.BigEndian.AppendUint32(body, uint32(end-offset+2))
		body = append(body, contextID, header)
		body = append(body, payload[offset:end]...)
		if err := WritePDU(w, PDUPDataTF, body); err != nil {
			return err
		}

		if end == len(payload) {
			return nil
		}
		offset = end
	}
}

// assembler rebuilds DIMSE messages from PDVs. Fragments of different
// messages never interleave, so one assembler per association suffices.
type assembler struct {
	contextID byte
	active    bool
	command   []byte
	data      []byte
	message   *Message
}

// add consumes one PDV and returns the message once its last fragment
// arrived. transferSyntax resolves a context id to its negotiated syntax.
func (a *assembler) add(pdv PDV, transferSyntax func(byte) (string, bool)) (*Message, error) {
	if a.active && pdv.ContextID != a.contextID {
		return nil, framingError(PDUPDataTF, "context id changed from %d to %d within a message", a.contextID, pdv.ContextID)
	}
	if !a.active {
		if !pdv.Command {
			return nil, framingError(PDUPDataTF, "data fragment received before command")
		}
		a.active = true
		a.contextID = pdv.ContextID
	}

	if pdv.Command {
		if a.message != nil {
			return nil, framingError(PDUPDataTF, "command fragment after completed command set")
		}
		a.command = append(a.command, pdv.Data...)
		if !pdv.Last {
			return nil, nil
		}

		msg, err := DecodeCommand(a.command)
		if err != nil {
			return nil, err
		}
		msg.ContextID = a.contextID
		if !msg.HasData() {
			a.reset()
			return msg, nil
		}
		a.message = msg
		return nil, nil
	}

	if a.message == nil {
		return nil, framingError(PDUPDataTF, "data fragment received before command")
	}
	a.data = append(a.data, pdv.Data...)
	if !pdv.Last {
		return nil, nil
	}

	msg := a.message
	ts, ok := transferSyntax(a.contextID)
	if !ok {
		return nil, framingError(PDUPDataTF, "data set on unaccepted context %d", a.contextID)
	}
	ds, err := DecodeDataset(a.data, ts)
	if err != nil {
		return nil, framingError(PDUPDataTF, "context %d: %v", a.contextID, err)
	}
	msg.Data = ds
	a.reset()
	return msg, nil
}

func (a *assembler) reset() {
	*a = assembler{}
}
