package storage

import (
	"encoding/json"
	"fmt"

	"github.com/Layr-Labs/payload-relay-go/pkg/types"
)

// MarshalPayloadRecord serializes a PayloadRecord to JSON bytes.
func MarshalPayloadRecord(record *types.PayloadRecord) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("cannot marshal nil PayloadRecord")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal PayloadRecord to JSON: %w", err)
	}

	return data, nil
}

// UnmarshalPayloadRecord deserializes a PayloadRecord from JSON bytes.
func UnmarshalPayloadRecord(data []byte) (*types.PayloadRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var record types.PayloadRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to PayloadRecord: %w", err)
	}

	return &record, nil
}

// MarshalSequenceRecord serializes a SequenceRecord to JSON bytes.
func MarshalSequenceRecord(record *types.SequenceRecord) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("cannot marshal nil SequenceRecord")
	}

	return json.Marshal(record)
}

// UnmarshalSequenceRecord deserializes a SequenceRecord from JSON bytes.
func UnmarshalSequenceRecord(data []byte) (*types.SequenceRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var record types.SequenceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to SequenceRecord: %w", err)
	}

	return &record, nil
}
