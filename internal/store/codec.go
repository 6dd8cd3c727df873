package store

import (
	"bytes"
	"compress/gzip"
	"io"
)

// EncodePayload opaque-encodes payloads above the threshold. It returns the
// stored bytes and whether they were encoded.
func EncodePayload(payload []byte, threshold int) ([]byte, bool) {
	if threshold <= 0 || len(payload) <= threshold {
		return payload, false
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return payload, false
	}
	if err := zw.Close(); err != nil {
		return payload, false
	}
	return buf.Bytes(), true
}

// DecodePayload reverses EncodePayload. A decode failure means the stored
// record is corrupt; callers treat that as absent rather than poisoning the
// read path.
func DecodePayload(stored []byte, encoded bool) ([]byte, error) {
	if !encoded {
		return stored, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
