package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

const headerLen = 8

// codec frames stored values as an 8 byte big-endian modification time in
// unix nanoseconds followed by the zstd-compressed body.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) encode(modified time.Time, body []byte) []byte {
	out := make([]byte, headerLen, headerLen+len(body)/2+16)
	binary.BigEndian.PutUint64(out, uint64(modified.UnixNano()))
	return c.encoder.EncodeAll(body, out)
}

func (c *codec) decode(val []byte) (time.Time, []byte, error) {
	modified, err := decodeHeader(val)
	if err != nil {
		return time.Time{}, nil, err
	}
	body, err := c.decoder.DecodeAll(val[headerLen:], nil)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("decompress: %w", err)
	}
	return modified, body, nil
}

func decodeHeader(val []byte) (time.Time, error) {
	if len(val) < headerLen {
		return time.Time{}, errors.New("stored value too short")
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(val[:headerLen]))).UTC(), nil
}

func (c *codec) close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}
