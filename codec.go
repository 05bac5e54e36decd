package cxp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
)

const defaultMaxFrameSize = 8 << 20

// Codec converts transport byte chunks into complete Messages and back.
// Records are newline-delimited JSON: each '\n' terminates one frame.
//
// Feed buffers partial frames across calls, so a transport can drive it
// from a non-blocking poll loop: feeding half a record yields nothing and
// retains the bytes for the next call. Messages yielded by Feed may alias
// the codec's internal buffer; consume them synchronously or Clone them
// before the next Feed call.
//
// A Codec carries read-side state only; EncodeMessage is pure. The zero
// value is not usable, construct with NewCodec.
type Codec struct {
	buf      []byte
	maxFrame int
	failed   bool
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithMaxFrameSize caps the number of bytes a single frame may span before
// the codec declares the stream desynchronized. Defaults to 8 MiB.
func WithMaxFrameSize(size int) CodecOption {
	return func(c *Codec) {
		c.maxFrame = size
	}
}

// NewCodec creates a Codec with an empty buffer.
func NewCodec(options ...CodecOption) *Codec {
	c := &Codec{maxFrame: defaultMaxFrameSize}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Feed appends chunk to the internal buffer and returns a lazy sequence of
// the complete messages it now contains. The sequence yields
// (Message, nil) for each well-formed frame and (zero, error) otherwise:
// a *MalformedMessageError poisons only that frame, while a *FramingError
// poisons the codec, which then refuses all further input.
func (c *Codec) Feed(chunk []byte) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if c.failed {
			yield(Message{}, &FramingError{Reason: "stream already desynchronized"})
			return
		}
		c.buf = append(c.buf, chunk...)

		for {
			i := bytes.IndexByte(c.buf, '\n')
			if i < 0 {
				if len(c.buf) > c.maxFrame {
					c.failed = true
					yield(Message{}, &FramingError{
						Reason: fmt.Sprintf("unterminated frame exceeds %d bytes", c.maxFrame),
					})
				}
				return
			}

			line := c.buf[:i]
			c.buf = c.buf[i+1:]

			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			msg, err := parseMessage(line)
			if err != nil {
				if !yield(Message{}, err) {
					return
				}
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Buffered reports the number of bytes retained from incomplete frames.
func (c *Codec) Buffered() int {
	return len(c.buf)
}

// EncodeMessage serializes msg into one newline-terminated frame. It is a
// pure function with no buffering state; re-encoding a parsed message
// reproduces a semantically equivalent record (field order aside).
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.Kind() == KindInvalid {
		return nil, &MalformedMessageError{Reason: "message matches no legal kind"}
	}
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(msgBs, '\n'), nil
}
