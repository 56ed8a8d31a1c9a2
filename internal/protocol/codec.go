package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Encoder writes frames to a stream. It is not safe for concurrent use.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one complete frame and flushes it.
func (e *Encoder) Encode(m Message) error {
	if !m.Tag.known() {
		return fmt.Errorf("%w: %s", ErrUnknownTag, m.Tag)
	}
	if err := e.w.WriteByte(byte(m.Tag)); err != nil {
		return err
	}
	var err error
	switch m.Tag {
	case TagIdentity:
		err = e.writeField([]byte(m.Identity))
	case TagScript, TagImage, TagResult:
		err = e.writeFields([]byte(m.Packet.JobID), []byte(m.Packet.Name), m.Packet.Data)
	case TagError:
		err = e.writeFields([]byte(m.Failure.JobID), []byte(m.Failure.Item), []byte(m.Failure.Reason))
	}
	if err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) writeFields(fields ...[]byte) error {
	for _, f := range fields {
		if err := e.writeField(f); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeField(b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := e.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

// Decoder reads frames from a stream. It is not safe for concurrent use.
type Decoder struct {
	r       *bufio.Reader
	maxBlob uint32
}

type DecoderOption func(*Decoder)

// WithMaxBlobSize overrides DefaultMaxBlobSize. Non-positive values are ignored.
func WithMaxBlobSize(n int64) DecoderOption {
	return func(d *Decoder) {
		if n > 0 && n <= int64(^uint32(0)) {
			d.maxBlob = uint32(n)
		}
	}
}

func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{r: bufio.NewReader(r), maxBlob: DefaultMaxBlobSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode reads the next frame. A stream that ends cleanly between frames
// yields io.EOF; one that ends inside a frame yields io.ErrUnexpectedEOF.
func (d *Decoder) Decode() (Message, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return Message{}, err
	}
	m := Message{Tag: Tag(b)}
	switch m.Tag {
	case TagShutdown, TagHeartbeat:
		return m, nil
	case TagIdentity:
		id, err := d.readString()
		if err != nil {
			return Message{}, err
		}
		m.Identity = id
	case TagScript, TagImage, TagResult:
		if m.Packet.JobID, err = d.readString(); err != nil {
			return Message{}, err
		}
		if m.Packet.Name, err = d.readString(); err != nil {
			return Message{}, err
		}
		if m.Packet.Data, err = d.readField(); err != nil {
			return Message{}, err
		}
	case TagError:
		if m.Failure.JobID, err = d.readString(); err != nil {
			return Message{}, err
		}
		if m.Failure.Item, err = d.readString(); err != nil {
			return Message{}, err
		}
		if m.Failure.Reason, err = d.readString(); err != nil {
			return Message{}, err
		}
	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTag, m.Tag)
	}
	return m, nil
}

func (d *Decoder) readString() (string, error) {
	b, err := d.readField()
	return string(b), err
}

func (d *Decoder) readField() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return nil, unexpected(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > d.maxBlob {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, d.maxBlob)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

// unexpected maps a clean EOF inside a frame to io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
