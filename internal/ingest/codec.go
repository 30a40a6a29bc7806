package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"opsisagent/internal/domain"
)

const maxPooledBatchCapacity = 256

type decodeScratch struct {
	snapshots []domain.Metrics
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{snapshots: make([]domain.Metrics, 0, 4)}
	},
}

// decodeSingleSnapshot decodes one snapshot and rejects trailing JSON tokens.
// Params: json decoder for a single snapshot object.
// Returns: validated snapshot or decode error.
func decodeSingleSnapshot(decoder *json.Decoder) (domain.Metrics, error) {
	snapshot, err := domain.DecodeMetricsReader(decoder)
	if err != nil {
		return domain.Metrics{}, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return domain.Metrics{}, err
	}
	return snapshot, nil
}

// decodeSnapshotPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: validated snapshots.
func decodeSnapshotPayload(raw []byte) ([]domain.Metrics, error) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	snapshots, err := decodeSnapshotPayloadInto(raw, scratch)
	if err != nil {
		return nil, err
	}
	return append([]domain.Metrics(nil), snapshots...), nil
}

func decodeSnapshotPayloadInto(raw []byte, scratch *decodeScratch) ([]domain.Metrics, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		return decodeBatchInto(decoder, scratch)
	}
	snapshot, err := decodeSingleSnapshot(decoder)
	if err != nil {
		return nil, err
	}
	snapshots := scratch.snapshots[:0]
	snapshots = append(snapshots, snapshot)
	scratch.snapshots = snapshots
	return snapshots, nil
}

func decodeBatchInto(decoder *json.Decoder, scratch *decodeScratch) ([]domain.Metrics, error) {
	snapshots := scratch.snapshots[:0]
	if err := decoder.Decode(&snapshots); err != nil {
		return nil, fmt.Errorf("decode snapshot batch: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, errors.New("snapshot batch must contain at least one snapshot")
	}
	for i := range snapshots {
		if err := snapshots[i].Validate(); err != nil {
			return nil, fmt.Errorf("snapshot[%d]: %w", i, err)
		}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	scratch.snapshots = snapshots
	return snapshots, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.snapshots {
		scratch.snapshots[i] = domain.Metrics{}
	}
	if cap(scratch.snapshots) > maxPooledBatchCapacity {
		scratch.snapshots = make([]domain.Metrics, 0, 4)
	} else {
		scratch.snapshots = scratch.snapshots[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// pushSnapshots sends snapshots to sink in arrival order.
// Params: ctx, sink and snapshots.
// Returns: first push error or nil.
func pushSnapshots(ctx context.Context, sink SnapshotSink, snapshots []domain.Metrics) error {
	for _, snapshot := range snapshots {
		if err := sink.PushSnapshot(ctx, snapshot); err != nil {
			return err
		}
	}
	return nil
}
