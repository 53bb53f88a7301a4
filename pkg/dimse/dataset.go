package dimse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/suyashkumar/dicom/pkg/uid"
)

// EncodeDataset serialises ds in the given transfer syntax. File meta
// elements (group 0002) are never sent over the network and are skipped.
func EncodeDataset(ds *dicom.Dataset, transferSyntax string) ([]byte, error) {
	bo, implicit, err := parseTransferSyntax(transferSyntax)
	if err != nil {
		return nil, err
	}

	elements := slices.Clone(ds.Elements)
	slices.SortStableFunc(elements, func(a, b *dicom.Element) int {
		return compareTags(a.Tag, b.Tag)
	})

	var buf bytes.Buffer
	w, err := dicom.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create data set writer: %w", err)
	}
	w.SetTransferSyntax(bo, implicit)
	for _, e := range elements {
		if e.Tag.Group == 0x0002 {
			continue
		}
		if err := w.WriteElement(e); err != nil {
			return nil, fmt.Errorf("failed to encode element %s: %w", e.Tag, err)
		}
	}

	return buf.Bytes(), nil
}

// DecodeDataset parses a network data set (no preamble, no file meta).
// The parser only learns the transfer syntax from file meta, so data is
// read behind a synthetic header naming transferSyntax.
func DecodeDataset(data []byte, transferSyntax string) (*dicom.Dataset, error) {
	if _, _, err := parseTransferSyntax(transferSyntax); err != nil {
		return nil, err
	}

	ds := &dicom.Dataset{}
	if len(data) == 0 {
		return ds, nil
	}

	header, err := fileMetaHeader(transferSyntax)
	if err != nil {
		return nil, err
	}

	in := io.MultiReader(bytes.NewReader(header), bytes.NewReader(data))
	p, err := dicom.NewParser(in, int64(len(header)+len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create data set parser: %w", err)
	}

	for {
		e, err := p.Next()
		if errors.Is(err, dicom.ErrorEndOfDICOM) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode data set: %w", err)
		}
		ds.Elements = append(ds.Elements, e)
	}

	return ds, nil
}

// fileMetaHeader builds the 128 byte preamble, the DICM prefix and a file
// meta group holding only the group length and TransferSyntaxUID.
func fileMetaHeader(transferSyntax string) ([]byte, error) {
	tsElement, err := dicom.NewElement(tag.TransferSyntaxUID, []string{transferSyntax})
	if err != nil {
		return nil, err
	}
	var group bytes.Buffer
	if err := writeExplicitLE(&group, tsElement); err != nil {
		return nil, err
	}

	lengthElement, err := dicom.NewElement(tag.FileMetaInformationGroupLength, []int{group.Len()})
	if err != nil {
		return nil, err
	}

	var header bytes.Buffer
	header.Write(make([]byte, 128))
	header.WriteString("DICM")
	if err := writeExplicitLE(&header, lengthElement); err != nil {
		return nil, err
	}
	header.Write(group.Bytes())
	return header.Bytes(), nil
}

func writeExplicitLE(out io.Writer, e *dicom.Element) error {
	w, err := dicom.NewWriter(out)
	if err != nil {
		return err
	}
	w.SetTransferSyntax(binary.LittleEndian, false)
	if err := w.WriteElement(e); err != nil {
		return fmt.Errorf("failed to encode file meta element %s: %w", e.Tag, err)
	}
	return nil
}

// parseTransferSyntax accepts the uncompressed, non-deflated syntaxes
func parseTransferSyntax(transferSyntax string) (binary.ByteOrder, bool, error) {
	switch transferSyntax {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian:
	default:
		return nil, false, fmt.Errorf("unsupported transfer syntax %s", transferSyntax)
	}
	bo, implicit, err := uid.ParseTransferSyntaxUID(transferSyntax)
	if err != nil {
		return nil, false, fmt.Errorf("unsupported transfer syntax %s: %w", transferSyntax, err)
	}
	return bo, implicit, nil
}

// NewDataset builds a data set of string valued elements; an empty value
// produces a zero length element, as used for return keys in queries.
func NewDataset(values map[tag.Tag]string) (*dicom.Dataset, error) {
	ds := &dicom.Dataset{}
	for t, v := range values {
		var err error
		if v == "" {
			err = SetEmpty(ds, t)
		} else {
			err = SetString(ds, t, v)
		}
		if err != nil {
			return nil, err
		}
	}
	slices.SortFunc(ds.Elements, func(a, b *dicom.Element) int { return compareTags(a.Tag, b.Tag) })
	return ds, nil
}

// SetString adds or replaces a string valued element
func SetString(ds *dicom.Dataset, t tag.Tag, value string) error {
	values := []string{}
	if value != "" {
		values = strings.Split(value, `\`)
	}
	return put(ds, t, values)
}

// SetInt adds or replaces a binary integer element such as Rows (US)
func SetInt(ds *dicom.Dataset, t tag.Tag, values ...int) error {
	return put(ds, t, values)
}

// SetEmpty adds a zero length element with the value type its VR expects
func SetEmpty(ds *dicom.Dataset, t tag.Tag) error {
	var data any = []string{}
	if info, err := tag.Find(t); err == nil && len(info.VRs) > 0 {
		switch info.VRs[0] {
		case "US", "UL", "SS", "SL":
			data = []int{}
		case "FL", "FD":
			data = []float64{}
		}
	}
	return put(ds, t, data)
}

func put(ds *dicom.Dataset, t tag.Tag, data any) error {
	e, err := dicom.NewElement(t, data)
	if err != nil {
		return fmt.Errorf("failed to build element %s: %w", t, err)
	}

	for i, existing := range ds.Elements {
		if existing.Tag == t {
			ds.Elements[i] = e
			return nil
		}
	}
	ds.Elements = append(ds.Elements, e)
	return nil
}

// GetString returns the backslash joined value of t, or "" if absent.
// Binary numbers are formatted in decimal.
func GetString(ds *dicom.Dataset, t tag.Tag) string {
	if ds == nil {
		return ""
	}
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	switch values := e.Value.GetValue().(type) {
	case []string:
		return strings.TrimSpace(strings.Join(values, `\`))
	case []int:
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = strconv.Itoa(v)
		}
		return strings.Join(parts, `\`)
	case []float64:
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		return strings.Join(parts, `\`)
	default:
		return ""
	}
}

// HasTag reports whether t is present, even with an empty value
func HasTag(ds *dicom.Dataset, t tag.Tag) bool {
	if ds == nil {
		return false
	}
	_, err := ds.FindElementByTag(t)
	return err == nil
}

func compareTags(a, b tag.Tag) int {
	if a.Group != b.Group {
		return int(a.Group) - int(b.Group)
	}
	return int(a.Element) - int(b.Element)
}
