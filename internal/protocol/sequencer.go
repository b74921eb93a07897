package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Sequencer framing bytes.
const (
	// ByteText starts an ASCII command terminated by TextTerminator.
	ByteText byte = 254
	// ByteHandshake asks the module to identify itself.
	ByteHandshake byte = 255
	// TextTerminator ends an escaped text command.
	TextTerminator byte = '|'
	// HandshakeAck leads the handshake reply.
	HandshakeAck byte = 65

	maxTextFrame = 256
)

// FrameKind classifies a decoded sequencer frame.
type FrameKind uint8

const (
	FrameCommand FrameKind = iota + 1
	FrameHandshake
	FrameInvalid
)

func (k FrameKind) String() string {
	switch k {
	case FrameCommand:
		return "command"
	case FrameHandshake:
		return "handshake"
	case FrameInvalid:
		return "invalid"
	}
	return fmt.Sprintf("frame(%d)", k)
}

// Frame is one decoded unit of the sequencer byte stream.
type Frame struct {
	Kind    FrameKind     `json:"kind"`
	Command Command       `json:"command"`
	Raw     []byte        `json:"raw"`
	Err     *CommandError `json:"-"`
}

// Decoder splits the sequencer byte stream into frames. The zero value is
// ready to use; it is not safe for concurrent use.
type Decoder struct {
	inText bool
	buf    []byte
}

// Feed consumes one byte and returns a frame when one completes.
func (d *Decoder) Feed(b byte) (Frame, bool) {
	if d.inText {
		if b == TextTerminator {
			text := string(d.buf)
			raw := append([]byte{ByteText}, d.buf...)
			raw = append(raw, TextTerminator)
			d.reset()
			cmd, cerr := ParseSessionCommand(text)
			if cerr != nil {
				return Frame{Kind: FrameInvalid, Raw: raw, Err: cerr}, true
			}
			return Frame{Kind: FrameCommand, Command: cmd, Raw: raw}, true
		}
		d.buf = append(d.buf, b)
		if len(d.buf) > maxTextFrame {
			raw := append([]byte{ByteText}, d.buf...)
			d.reset()
			return Frame{Kind: FrameInvalid, Raw: raw, Err: Rejectf(CodeBadArguments, "", "text frame exceeds %d bytes", maxTextFrame)}, true
		}
		return Frame{}, false
	}

	switch b {
	case ByteText:
		d.inText = true
		return Frame{}, false
	case ByteHandshake:
		return Frame{Kind: FrameHandshake, Raw: []byte{b}}, true
	}
	cmd, cerr := LookupOpcode(b)
	if cerr != nil {
		return Frame{Kind: FrameInvalid, Raw: []byte{b}, Err: cerr}, true
	}
	return Frame{Kind: FrameCommand, Command: cmd, Raw: []byte{b}}, true
}

func (d *Decoder) reset() {
	d.inText = false
	d.buf = d.buf[:0]
}

// HandshakeReply is the module identification sent in answer to
// ByteHandshake: the ack byte, the firmware version as little-endian uint32,
// the name length, the name, and a zero byte.
func HandshakeReply(firmware uint32, name string) []byte {
	if len(name) > 255 {
		name = name[:255]
	}
	out := make([]byte, 0, 1+4+1+len(name)+1)
	out = append(out, HandshakeAck)
	out = binary.LittleEndian.AppendUint32(out, firmware)
	out = append(out, byte(len(name)))
	out = append(out, name...)
	return append(out, 0)
}

// SequencerEvent returns the byte reported to the sequencer for an event.
func SequencerEvent(in Instruction) (byte, bool) {
	switch in.(type) {
	case TubeReached:
		return 1, true
	case TrialAborted:
		return 2, true
	}
	return 0, false
}

// SessionEvent returns the text reported to a session for an event.
func SessionEvent(in Instruction) (string, bool) {
	switch v := in.(type) {
	case TubeReached:
		return "1", true
	case TrialAborted:
		return "2", true
	case TubeReset:
		return "0", true
	case SendingRecords:
		b, err := json.Marshal(v.Record)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
	return "", false
}
