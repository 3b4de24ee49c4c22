package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  "1.0.0",
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
				Runtime:  "docker",
			},
			wantErr: false,
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data: &EventMessage{
				CommandID: "cmd-123",
				Stream:    "stdout",
				Chunk:     "pulling image...",
			},
			wantErr: false,
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data: &DoneMessage{
				CommandID: "cmd-123",
				Duration:  1.5,
			},
			wantErr: false,
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data: &ErrorMessage{
				CommandID: "cmd-123",
				Code:      "RUNTIME_FAILED",
				Message:   "docker run exited with status 125",
				Retryable: false,
			},
			wantErr: false,
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data: &ExitMessage{
				Reason:        "completed",
				ExitCode:      0,
				CommandsTotal: 5,
			},
			wantErr: false,
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			data:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				// Verify output is valid JSON
				line := strings.TrimSpace(buf.String())
				var msg Message
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1.0.0","platform":"linux","arch":"amd64","pid":1234,"runtime":"docker"}}`,
			wantErr: false,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode command message",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"container.deploy","timeout":30,"params":{"image":"nginx:latest","container_name":"web"}}}`,
			wantErr: false,
			msgType: MessageTypeCommand,
		},
		{
			name:    "decode event message",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{"command_id":"cmd-123","stream":"stderr","chunk":"warning"}}`,
			wantErr: false,
			msgType: MessageTypeEvent,
		},
		{
			name:    "invalid message type",
			input:   `{"type":"NOPE","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			input:   `{"type":"READY"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))

			msg, err := dec.Decode()
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	input := "\n  \n" +
		`{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1.0.0"}}` +
		"\n\n"
	dec := NewDecoder(strings.NewReader(input))

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Type != MessageTypeReady {
		t.Errorf("Message type = %v, want %v", msg.Type, MessageTypeReady)
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("trailing Decode() error = %v, want io.EOF", err)
	}
}

func TestEncoderConcurrentWriters(t *testing.T) {
	const writers = 4
	const perWriter = 25

	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = enc.EncodeEvent(&EventMessage{
					CommandID: "cmd-1",
					Stream:    "stdout",
					Chunk:     fmt.Sprintf("writer %d line %d", w, i),
				})
			}
		}(w)
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	frames := 0
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Decode() after %d frames error = %v", frames, err)
		}
		if msg.Type != MessageTypeEvent {
			t.Errorf("frame %d type = %v", frames, msg.Type)
		}
		frames++
	}
	if frames != writers*perWriter {
		t.Errorf("decoded %d frames, want %d", frames, writers*perWriter)
	}
}

func TestDecoderEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("Decode() on empty input error = %v, want io.EOF", err)
	}
}

func TestDecodeCommand(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	params, _ := json.Marshal(DeployParams{
		Image:         "nginx:1.25",
		ContainerName: "web",
		Ports:         []string{"8080:80"},
	})
	want := &CommandMessage{
		ID:      "cmd-42",
		Type:    CommandTypeDeploy,
		Timeout: 120,
		Params:  params,
	}
	if err := enc.EncodeCommand(want); err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	dec := NewDecoder(&buf)
	got, err := dec.DecodeCommand()
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if got.ID != want.ID || got.Type != want.Type || got.Timeout != want.Timeout {
		t.Errorf("DecodeCommand() = %+v, want %+v", got, want)
	}

	var p DeployParams
	if err := ParseParams(got.Params, &p); err != nil {
		t.Fatalf("ParseParams() error = %v", err)
	}
	if p.Image != "nginx:1.25" || p.ContainerName != "web" {
		t.Errorf("params = %+v", p)
	}
}

func TestRoundTripSequence(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeReady(&ReadyMessage{Version: "1.0.0", Runtime: "docker"}); err != nil {
		t.Fatalf("EncodeReady() error = %v", err)
	}
	if err := enc.EncodeEvent(&EventMessage{CommandID: "c1", Chunk: "step 1"}); err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	if err := enc.EncodeDone(&DoneMessage{CommandID: "c1", Duration: 0.2}); err != nil {
		t.Fatalf("EncodeDone() error = %v", err)
	}

	dec := NewDecoder(&buf)
	wantTypes := []MessageType{MessageTypeReady, MessageTypeEvent, MessageTypeDone}
	for i, wantType := range wantTypes {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode() #%d error = %v", i, err)
		}
		if msg.Type != wantType {
			t.Errorf("message %d type = %s, want %s", i, msg.Type, wantType)
		}
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("trailing Decode() error = %v, want io.EOF", err)
	}
}
