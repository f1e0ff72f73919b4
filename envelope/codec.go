package envelope

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"time"

	"github.com/mudtools/MudFeishu-sub002/errors"
)

// DefaultMaxFrameSize bounds a decompressed frame.
const DefaultMaxFrameSize = 4 << 20

// Message is the result of decoding one socket frame: exactly one of Control and
// Envelope is set.
type Message struct {
	Control  *Frame
	Envelope *Envelope
}

// Codec turns raw socket frames into Messages. The zero value is usable.
type Codec struct {
	// MaxFrameSize caps gunzipped frames; zero means DefaultMaxFrameSize.
	MaxFrameSize int64
	// Now stamps ReceivedAt; nil means time.Now.
	Now func() time.Time
}

var gzipMagic = []byte{0x1f, 0x8b}

// Decode accepts a text or binary frame. Binary frames starting with the gzip magic
// are decompressed first.
func (c *Codec) Decode(data []byte) (Message, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		plain, err := c.gunzip(data)
		if err != nil {
			return Message{}, err
		}
		data = plain
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Message{}, errors.WrapInvalid(errors.ErrMalformedFrame, "Codec", "Decode", "frame is not a json object")
	}

	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Message{}, errors.WrapInvalid(errors.ErrMalformedFrame, "Codec", "Decode", "json decode: "+err.Error())
	}

	if IsControl(probe.Type) {
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return Message{}, errors.WrapInvalid(errors.ErrMalformedFrame, "Codec", "Decode", "control frame")
		}
		return Message{Control: &f}, nil
	}

	env, err := Parse(data, TransportSocket, c.now())
	if err != nil {
		return Message{}, err
	}
	return Message{Envelope: env}, nil
}

func (c *Codec) gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedFrame, "Codec", "gunzip", "gzip header")
	}
	defer zr.Close()

	limit := c.MaxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}

	plain, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedFrame, "Codec", "gunzip", "gzip body")
	}
	if int64(len(plain)) > limit {
		return nil, errors.WrapInvalid(errors.ErrMalformedFrame, "Codec", "gunzip", "frame exceeds size limit")
	}
	return plain, nil
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
