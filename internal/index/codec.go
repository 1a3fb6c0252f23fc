package index

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Records are stored as CBOR with integer keys. Core deterministic encoding
// keeps identical records byte-identical across backends.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("index: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("index: cbor decoder: %v", err))
	}
}

func encodeRecord(rec FileRecord) ([]byte, error) {
	data, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("index: encode record %q: %w", rec.Name, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (FileRecord, error) {
	var rec FileRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return FileRecord{}, fmt.Errorf("index: decode record: %w", err)
	}
	return rec, nil
}

// EncodeRecords serializes a batch of records, used for backup snapshots.
func EncodeRecords(recs []FileRecord) ([]byte, error) {
	data, err := encMode.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("index: encode records: %w", err)
	}
	return data, nil
}

// DecodeRecords is the inverse of EncodeRecords.
func DecodeRecords(data []byte) ([]FileRecord, error) {
	var recs []FileRecord
	if err := decMode.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("index: decode records: %w", err)
	}
	return recs, nil
}
