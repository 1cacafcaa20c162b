package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/voxbrix/voxbrix/game/entity"
)

// The block-class blob format is shared between ChunkData messages and the
// persistent store: the dense class array encoded compactly, then
// compressed. Voxel chunks are extremely repetitive, so compression is what
// keeps a chunk inside a handful of datagrams.

var (
	_zstdEnc *zstd.Encoder
	_zstdDec *zstd.Decoder
)

func init() {
	var err error
	_zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	_zstdDec, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// EncodeBlockClasses packs a dense block-class array into a compressed blob.
func EncodeBlockClasses(classes []entity.BlockClass) ([]byte, error) {
	if len(classes) != entity.BlocksInChunk {
		return nil, fmt.Errorf("block class array has %d entries, want %d", len(classes), entity.BlocksInChunk)
	}
	raw, err := cbor.Marshal(classes)
	if err != nil {
		return nil, fmt.Errorf("encode block classes: %w", err)
	}
	return _zstdEnc.EncodeAll(raw, nil), nil
}

// DecodeBlockClasses unpacks a blob back into the dense class array.
func DecodeBlockClasses(blob []byte) ([]entity.BlockClass, error) {
	raw, err := _zstdDec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress block classes: %w", err)
	}
	var classes []entity.BlockClass
	if err := cbor.Unmarshal(raw, &classes); err != nil {
		return nil, fmt.Errorf("decode block classes: %w", err)
	}
	if len(classes) != entity.BlocksInChunk {
		return nil, fmt.Errorf("block class array has %d entries, want %d", len(classes), entity.BlocksInChunk)
	}
	return classes, nil
}
