// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"encoding/json"
	"fmt"

	"github.com/adiadia/agent-office/internal/domain"
	"github.com/klauspost/compress/zstd"
)

// maxDecodedBytes caps the memory a single payload may expand to.
const maxDecodedBytes = 512 << 20

// Writes are rare next to replay reads, so payloads use the best ratio
// zstd offers. Encoder and decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
	)
	if err != nil {
		panic("replay: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxDecodedBytes),
	)
	if err != nil {
		panic("replay: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeSnapshot(snap domain.Snapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

// decodeSnapshot reverses encodeSnapshot. Any failure, including a payload
// that decodes but does not have the snapshot shape, wraps
// domain.ErrCorruptSnapshot.
func decodeSnapshot(payload []byte) (domain.Snapshot, error) {
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: zstd decompress: %v", domain.ErrCorruptSnapshot, err)
	}

	var shape struct {
		GeneratedAt *int64 `json:"generated_at"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: decode json: %v", domain.ErrCorruptSnapshot, err)
	}
	if shape.GeneratedAt == nil {
		return domain.Snapshot{}, fmt.Errorf("%w: missing generated_at", domain.ErrCorruptSnapshot)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: decode json: %v", domain.ErrCorruptSnapshot, err)
	}
	if err := snap.Validate(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %v", domain.ErrCorruptSnapshot, err)
	}

	return snap, nil
}
