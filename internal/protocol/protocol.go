// Package protocol implements the master/worker wire format.
//
// A frame is a one-byte tag followed by the tag's payload fields. Strings and
// byte blobs are encoded as a uint32 big-endian length followed by the bytes.
//
//	IDENTITY  id
//	SCRIPT    jobID name data
//	IMAGE     jobID name data
//	SHUTDOWN  (empty)
//	HEARTBEAT (empty)
//	RESULT    jobID name data
//	ERROR     jobID item reason
package protocol

import (
	"errors"
	"fmt"
)

// DefaultMaxBlobSize bounds any single length-prefixed field.
const DefaultMaxBlobSize = 256 << 20

var (
	ErrUnknownTag    = errors.New("protocol: unknown tag")
	ErrFrameTooLarge = errors.New("protocol: field exceeds maximum size")
)

type Tag byte

const (
	// master -> worker
	TagIdentity Tag = 0x01
	TagScript   Tag = 0x02
	TagImage    Tag = 0x03
	TagShutdown Tag = 0x04

	// worker -> master
	TagHeartbeat Tag = 0x10
	TagResult    Tag = 0x11
	TagError     Tag = 0x12
)

func (t Tag) String() string {
	switch t {
	case TagIdentity:
		return "IDENTITY"
	case TagScript:
		return "SCRIPT"
	case TagImage:
		return "IMAGE"
	case TagShutdown:
		return "SHUTDOWN"
	case TagHeartbeat:
		return "HEARTBEAT"
	case TagResult:
		return "RESULT"
	case TagError:
		return "ERROR"
	default:
		return fmt.Sprintf("TAG(0x%02x)", byte(t))
	}
}

func (t Tag) known() bool {
	switch t {
	case TagIdentity, TagScript, TagImage, TagShutdown, TagHeartbeat, TagResult, TagError:
		return true
	}
	return false
}

// Packet is a named payload: the processing script, an input image or a
// processed result. JobID may be empty on results from workers that do not
// echo it.
type Packet struct {
	JobID string
	Name  string
	Data  []byte
}

// Failure is a worker-reported processing error for one item.
type Failure struct {
	JobID  string
	Item   string
	Reason string
}

// Message is one decoded frame. Only the field matching Tag is meaningful.
type Message struct {
	Tag      Tag
	Identity string
	Packet   Packet
	Failure  Failure
}

func Identity(id string) Message { return Message{Tag: TagIdentity, Identity: id} }
func Script(p Packet) Message    { return Message{Tag: TagScript, Packet: p} }
func Image(p Packet) Message     { return Message{Tag: TagImage, Packet: p} }
func Shutdown() Message          { return Message{Tag: TagShutdown} }
func Heartbeat() Message         { return Message{Tag: TagHeartbeat} }
func Result(p Packet) Message    { return Message{Tag: TagResult, Packet: p} }
func Error(f Failure) Message    { return Message{Tag: TagError, Failure: f} }
