package offcache

import (
	"bytes"
	"encoding/gob"
	"net/http"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// EncodeAll/DecodeAll are safe for concurrent use, so a single pair serves
// every generation.
var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil)
)

func encodeEntry(ent Entry) ([]byte, error) {
	b, err := encodeGob(ent)
	if err != nil {
		return nil, err
	}
	return zenc.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

func decodeEntry(b []byte) (Entry, error) {
	raw, err := zdec.DecodeAll(b, nil)
	if err != nil {
		return Entry{}, errors.Wrap(err, "zstd decode")
	}
	var ent Entry
	if err := decodeGob(raw, &ent); err != nil {
		return Entry{}, err
	}
	if !ent.intact() {
		return Entry{}, errors.New("entry digest mismatch")
	}
	return ent, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "gob encode")
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return errors.Wrap(err, "gob decode")
	}
	return nil
}

func init() {
	gob.Register(http.Header{})
}
