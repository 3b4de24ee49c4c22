package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameSize caps one protocol frame. Container log and build output
// payloads can get large; a frame beyond this indicates a broken peer.
const MaxFrameSize = 10 << 20

// Encoder frames protocol messages onto a stream, one JSON document per
// line. Writers are serialized, so the agent can emit events from
// concurrent command handlers without interleaving frames.
type Encoder struct {
	mu  sync.Mutex
	out *json.Encoder
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{out: json.NewEncoder(w)}
}

// Encode frames one message of the given type. A nil payload produces
// an envelope with no data.
func (e *Encoder) Encode(msgType MessageType, payload interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	msg := Message{Type: msgType, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Data = data
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.out.Encode(&msg); err != nil {
		return fmt.Errorf("write %s frame: %w", msgType, err)
	}
	return nil
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeCommand sends a CMD message, validating it first.
func (e *Encoder) EncodeCommand(cmd *CommandMessage) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	return e.Encode(MessageTypeCommand, cmd)
}

// EncodeEvent sends an EVENT message, validating it first.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return e.Encode(MessageTypeEvent, event)
}

// EncodeDone sends a DONE message.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	return e.Encode(MessageTypeDone, done)
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(err *ErrorMessage) error {
	return e.Encode(MessageTypeError, err)
}

// EncodeExit sends an EXIT message.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads protocol frames from a stream.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxFrameSize)
	return &Decoder{sc: sc}
}

// Decode returns the next frame, skipping blank lines. io.EOF signals a
// cleanly closed stream.
func (d *Decoder) Decode() (*Message, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("malformed frame: %w", err)
		}
		if err := msg.Type.Validate(); err != nil {
			return nil, fmt.Errorf("malformed frame: %w", err)
		}
		return &msg, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return nil, io.EOF
}

// DecodeCommand reads the next frame and requires it to carry a valid
// command.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected %s frame, got %s", MessageTypeCommand, msg.Type)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &cmd, nil
}

// ParseParams decodes a raw payload into its concrete type.
func ParseParams(params json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("parse params: %w", err)
	}
	return nil
}
