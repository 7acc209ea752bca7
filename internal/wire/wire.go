// Package wire implements the framed request/response protocol the driver
// speaks with a child over its FIFO pair (spec.md §4.5, §6): a 4-byte
// little-endian payload length followed by a MessagePack-encoded envelope,
// via github.com/ugorji/go/codec.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

// Tag identifies a message kind.
type Tag string

// Inbound (child -> driver) tags.
const (
	TagHello          Tag = "hello"
	TagProgress       Tag = "progress"
	TagDataRace       Tag = "data_race"
	TagFoundABug      Tag = "found_a_bug"
	TagAssertFail     Tag = "assert_fail"
	TagShouldContinue Tag = "should_continue"
	// TagSuspended is the child's quiescence acknowledgment following an
	// outbound Suspend: spec.md §4.6 describes this only as "when quiesced
	// it signals blocking condition," leaving the wire-level ack tag
	// unspecified. This is the concrete choice for that ack.
	TagSuspended Tag = "suspended"
)

// Outbound (driver -> child) tags.
const (
	TagSuspend       Tag = "suspend"
	TagResume        Tag = "resume"
	TagAbort         Tag = "abort"
	TagEstimateReply Tag = "estimate_reply"
	// TagContinue replies to a ShouldContinue query when the scheduler has
	// decided the child may keep running. spec.md §4.5 names only "ABORT or
	// CONTINUE" without pinning the wire tag for the latter.
	TagContinue Tag = "continue"
)

// Envelope is the generic message shape: a tag plus an arbitrary payload
// map. Concrete payload types below marshal to/from this shape.
type Envelope struct {
	Tag     Tag
	Payload map[string]interface{} `codec:"payload,omitempty"`
}

// Hello is sent once per child, completing the handshake.
type Hello struct {
	ChildPID        int
	ProtocolVersion int
}

// Progress reports estimated completion proportion and ICB state.
type Progress struct {
	ElapsedBranches int
	Proportion      float64 // in [0,1]
	ElapsedUsecs    uint64
	TotalEstimateUsecs uint64
	ICBPreemptionCount int
	ICBBound        int
}

// DataRace reports a suspected or confirmed data race.
type DataRace struct {
	EIP              uint64
	LastCallSite     uint64
	TID              uint32
	MostRecentSyscall string
	Confirmed        bool
	Deterministic    bool
	FreeReMalloc     bool
}

// FoundABug reports a bug, with the trace file the child wrote.
type FoundABug struct {
	TraceFilename  string
	ICBPreemptions int
	ICBBound       int
}

// AssertFail reports a child-side assertion failure.
type AssertFail struct {
	File     string
	Line     int
	Function string
	Message  string
}

// ProtocolError is returned by ReadMessage when a frame's envelope cannot be
// decoded. ReadMessage does not check tags: an unrecognized tag is returned
// as-is, and the caller's dialog ABORTs the job on it. Envelope.Decode
// returns the codec's own error for a malformed payload.
type ProtocolError struct {
	Tag    Tag
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on tag %q: %s", e.Tag, e.Reason)
}

var mh = &codec.MsgpackHandle{}

// WriteMessage frames and writes one message: tag + payload fields flattened
// into the envelope's Payload map.
func WriteMessage(w io.Writer, tag Tag, payload interface{}) error {
	env := Envelope{Tag: tag}
	if payload != nil {
		var buf []byte
		if err := codec.NewEncoderBytes(&buf, mh).Encode(payload); err != nil {
			return fmt.Errorf("encode payload for %s: %w", tag, err)
		}
		var m map[string]interface{}
		if err := codec.NewDecoderBytes(buf, mh).Decode(&m); err != nil {
			return fmt.Errorf("normalize payload for %s: %w", tag, err)
		}
		env.Payload = m
	}

	var body []byte
	if err := codec.NewEncoderBytes(&body, mh).Encode(env); err != nil {
		return fmt.Errorf("encode envelope for %s: %w", tag, err)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix for %s: %w", tag, err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body for %s: %w", tag, err)
	}
	return nil
}

// ReadMessage reads one framed message and returns its tag and raw envelope,
// ready for Decode into a concrete payload type.
func ReadMessage(r io.Reader) (Tag, *Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", nil, fmt.Errorf("read body: %w", err)
	}
	var env Envelope
	if err := codec.NewDecoderBytes(body, mh).Decode(&env); err != nil {
		return "", nil, &ProtocolError{Reason: "malformed envelope: " + err.Error()}
	}
	return env.Tag, &env, nil
}

// Decode unmarshals the envelope's payload into out (a pointer to one of the
// concrete payload structs above).
func (e *Envelope) Decode(out interface{}) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, mh).Encode(e.Payload); err != nil {
		return err
	}
	return codec.NewDecoderBytes(buf, mh).Decode(out)
}
