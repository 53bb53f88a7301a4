package dimse

import (
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestDatasetRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		values map[tag.Tag]string
		ints   map[tag.Tag][]int
	}{
		{
			name:   "small identifier",
			values: map[tag.Tag]string{tag.QueryRetrieveLevel: "PATIENT", tag.PatientID: "*"},
		},
		{
			name: "empty return keys",
			values: map[tag.Tag]string{
				tag.QueryRetrieveLevel: "STUDY",
				tag.StudyInstanceUID:   "",
				tag.PatientName:        "",
				tag.ModalitiesInStudy:  `CT\MR`,
			},
		},
		{
			name:   "binary values",
			values: map[tag.Tag]string{tag.QueryRetrieveLevel: "IMAGE", tag.SOPInstanceUID: "1.2.3.4.5"},
			ints:   map[tag.Tag][]int{tag.Rows: {512}, tag.Columns: {256}},
		},
		{
			name: "empty data set",
		},
	}

	for _, ts := range DefaultTransferSyntaxes() {
		for _, tt := range tests {
			t.Run(ts+"/"+tt.name, func(t *testing.T) {
				ds, err := NewDataset(tt.values)
				if err != nil {
					t.Fatalf("NewDataset failed: %v", err)
				}
				for k, v := range tt.ints {
					if err := SetInt(ds, k, v...); err != nil {
						t.Fatalf("SetInt failed: %v", err)
					}
				}

				encoded, err := EncodeDataset(ds, ts)
				if err != nil {
					t.Fatalf("EncodeDataset failed: %v", err)
				}
				decoded, err := DecodeDataset(encoded, ts)
				if err != nil {
					t.Fatalf("DecodeDataset failed: %v", err)
				}

				if len(decoded.Elements) != len(ds.Elements) {
					t.Fatalf("decoded %d elements, want %d", len(decoded.Elements), len(ds.Elements))
				}
				for _, e := range decoded.Elements {
					if e.Tag.Group == 0x0002 {
						t.Errorf("file meta element %s leaked into the data set", e.Tag)
					}
				}
				for k, want := range tt.values {
					if !HasTag(decoded, k) {
						t.Errorf("%s missing after round trip", k)
						continue
					}
					if got := GetString(decoded, k); got != want {
						t.Errorf("%s = %q, want %q", k, got, want)
					}
				}
				for k, want := range tt.ints {
					if got := GetString(decoded, k); got != GetString(ds, k) {
						t.Errorf("%s = %q, want %v", k, got, want)
					}
				}
			})
		}
	}
}

func TestDatasetRejectsUnsupportedSyntax(t *testing.T) {
	const deflated = "1.2.840.10008.1.2.1.99"

	if _, err := EncodeDataset(&dicom.Dataset{}, deflated); err == nil {
		t.Error("EncodeDataset accepted deflated syntax")
	}
	if _, err := DecodeDataset([]byte{0x10, 0x00}, "1.2.3"); err == nil {
		t.Error("DecodeDataset accepted an unknown syntax")
	}
}
