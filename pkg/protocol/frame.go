package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// DefaultHeaderWidth is the width of the ASCII length header in bytes
	DefaultHeaderWidth = 10

	// MaxFrameSize is the default maximum payload size (1 MB)
	MaxFrameSize = 1024 * 1024
)

var (
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrInvalidHeader    = errors.New("invalid frame length header")
	ErrHeaderOverflow   = errors.New("payload length does not fit the header width")
	ErrConnectionClosed = errors.New("connection closed")
)

// Codec reads and writes length-prefixed messages.
// Format: [Length (HeaderWidth bytes, decimal ASCII, space padded)][Payload (Length bytes, UTF-8)]
//
// A Codec is stateless and safe for concurrent use. Callers must make sure a
// single message is written by one goroutine at a time (see SafeConn in the
// server package).
type Codec struct {
	HeaderWidth int // Fixed header width, identical on both ends
	MaxPayload  int // Upper bound for a single payload
}

// NewCodec creates a codec, falling back to the defaults for non-positive values
func NewCodec(headerWidth, maxPayload int) *Codec {
	if headerWidth <= 0 {
		headerWidth = DefaultHeaderWidth
	}
	if maxPayload <= 0 {
		maxPayload = MaxFrameSize
	}
	return &Codec{
		HeaderWidth: headerWidth,
		MaxPayload:  maxPayload,
	}
}

// DefaultCodec returns a codec using DefaultHeaderWidth and MaxFrameSize
func DefaultCodec() *Codec {
	return NewCodec(DefaultHeaderWidth, MaxFrameSize)
}

// Encode returns the header and payload for msg as one buffer
func (c *Codec) Encode(msg string) ([]byte, error) {
	payload := []byte(msg)
	if len(payload) > c.MaxPayload {
		return nil, ErrFrameTooLarge
	}

	length := strconv.Itoa(len(payload))
	if len(length) > c.HeaderWidth {
		return nil, ErrHeaderOverflow
	}

	buf := make([]byte, 0, c.HeaderWidth+len(payload))
	buf = append(buf, length...)
	buf = append(buf, bytes.Repeat([]byte{' '}, c.HeaderWidth-len(length))...)
	buf = append(buf, payload...)
	return buf, nil
}

// WriteMessage writes msg to w as a single Write call
func (c *Codec) WriteMessage(w io.Writer, msg string) error {
	buf, err := c.Encode(msg)
	if err != nil {
		return err
	}

	_, err = w.Write(buf)
	return err
}

// ReadMessage reads one message from r.
// A peer that hangs up, cleanly or mid-frame, yields an error matching
// ErrConnectionClosed. A clean hang-up between frames also matches io.EOF.
func (c *Codec) ReadMessage(r io.Reader) (string, error) {
	header := make([]byte, c.HeaderWidth)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", closedError(err)
	}

	length, err := strconv.Atoi(strings.TrimSpace(string(header)))
	if err != nil || length < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidHeader, header)
	}

	if length > c.MaxPayload {
		return "", ErrFrameTooLarge
	}

	if length == 0 {
		return "", nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			// Header arrived but the payload never started
			err = io.ErrUnexpectedEOF
		}
		return "", closedError(err)
	}

	return string(payload), nil
}

// closedError maps short reads to ErrConnectionClosed and passes other errors through
func closedError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %w", ErrConnectionClosed, io.EOF)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", ErrConnectionClosed, io.ErrUnexpectedEOF)
	default:
		return err
	}
}

// EncodeMessage is a helper that encodes a message with the default codec
func EncodeMessage(msg string) ([]byte, error) {
	return DefaultCodec().Encode(msg)
}

// DecodeMessage is a helper that decodes one message from a byte slice with the default codec
func DecodeMessage(data []byte) (string, error) {
	return DefaultCodec().ReadMessage(bytes.NewReader(data))
}
