package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/c360studio/taskmesh/mesh"
)

// compressedEnvelope wraps a payload that crossed the compression
// threshold. Data carries a base64-encoded zstd frame of the original
// payload bytes.
type compressedEnvelope struct {
	Compressed   bool   `json:"_compressed"`
	OriginalSize int    `json:"_originalSize"`
	Data         string `json:"data"`
}

// codec owns the reusable zstd encoder and decoder. EncodeAll/DecodeAll on
// these are safe for concurrent use.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

// compress wraps payload in the compression envelope when it exceeds the
// threshold; smaller payloads pass through untouched.
func (c *codec) compress(payload json.RawMessage, threshold int) (json.RawMessage, error) {
	if len(payload) <= threshold {
		return payload, nil
	}
	frame := c.enc.EncodeAll(payload, nil)
	env := compressedEnvelope{
		Compressed:   true,
		OriginalSize: len(payload),
		Data:         base64.StdEncoding.EncodeToString(frame),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal compression envelope: %w", err)
	}
	return out, nil
}

// maybeDecompress restores the original payload when the compression
// envelope is present; anything else passes through. A mismatch between
// the declared and actual original size rejects the payload.
func (c *codec) maybeDecompress(payload json.RawMessage) (json.RawMessage, error) {
	if !looksCompressed(payload) {
		return payload, nil
	}
	var env compressedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || !env.Compressed {
		return payload, nil
	}
	frame, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, mesh.NewError(mesh.KindInvalidMessage, "protocol.decompress", err)
	}
	original, err := c.dec.DecodeAll(frame, nil)
	if err != nil {
		return nil, mesh.NewError(mesh.KindInvalidMessage, "protocol.decompress", err)
	}
	if len(original) != env.OriginalSize {
		return nil, mesh.Errorf(mesh.KindInvalidMessage, "protocol.decompress",
			"declared size %d, decompressed %d", env.OriginalSize, len(original))
	}
	return original, nil
}

// looksCompressed cheaply filters payloads before a full unmarshal; the
// envelope always serializes with _compressed as the first key.
func looksCompressed(payload json.RawMessage) bool {
	const probe = `{"_compressed":true`
	if len(payload) < len(probe) {
		return false
	}
	return string(payload[:len(probe)]) == probe
}
