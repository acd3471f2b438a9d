// Package wire implements the framed binary protocol spoken by the
// bidirectional speech synthesis endpoint.
//
// Frame layout:
//   - header: {version:4|header_size_words:4, msg_type:4|flag:4,
//     serialization:4|compression:4}, zero-padded to header_size_words*4
//   - event int32 (big endian) when flag == FlagWithEvent, followed by a
//     length-prefixed session id for session-scoped events and a
//     length-prefixed connect id for connection acks
//   - sequence int32 for data frames with a sequence flag, or
//     error_code uint32 for error frames
//   - payload: uint32 length + bytes
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type MessageType byte

const (
	TypeFullClientRequest  MessageType = 0x1
	TypeFullServerResponse MessageType = 0x9
	TypeAudioOnlyServer    MessageType = 0xB
	TypeError              MessageType = 0xF
)

type Flag byte

const (
	FlagNoSeq       Flag = 0x0
	FlagPositiveSeq Flag = 0x1
	FlagLastNoSeq   Flag = 0x2
	FlagNegativeSeq Flag = 0x3
	FlagWithEvent   Flag = 0x4
)

// Protocol events.
const (
	EventStartConnection    int32 = 1
	EventFinishConnection   int32 = 2
	EventConnectionStarted  int32 = 50
	EventConnectionFailed   int32 = 51
	EventConnectionFinished int32 = 52
	EventStartSession       int32 = 100
	EventFinishSession      int32 = 102
	EventSessionStarted     int32 = 150
	EventSessionFinished    int32 = 152
	EventSessionFailed      int32 = 153
	EventTaskRequest        int32 = 200
)

type Serialization byte

const (
	SerializationRaw  Serialization = 0x0
	SerializationJSON Serialization = 0x1
)

type Compression byte

const CompressionNone Compression = 0x0

// Message is one decoded protocol frame.
type Message struct {
	Type          MessageType
	Flag          Flag
	Event         int32
	SessionID     string
	ConnectID     string
	Sequence      int32
	ErrorCode     uint32
	Payload       []byte
	Version       byte
	HeaderSize    byte
	Serialization Serialization
	Compression   Compression
}

func newClientMessage(event int32, sessionID string, payload []byte) Message {
	return Message{
		Type:          TypeFullClientRequest,
		Flag:          FlagWithEvent,
		Event:         event,
		SessionID:     sessionID,
		Payload:       payload,
		Version:       1,
		HeaderSize:    1,
		Serialization: SerializationJSON,
	}
}

// connectionScoped events never carry a session id.
func connectionScoped(event int32) bool {
	switch event {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

// connectionAck events carry a connect id.
func connectionAck(event int32) bool {
	switch event {
	case EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

// Encode serializes a message into one frame.
func Encode(m Message) ([]byte, error) {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.HeaderSize == 0 {
		m.HeaderSize = 1
	}
	headerBytes := int(m.HeaderSize) * 4
	if headerBytes < 3 {
		return nil, fmt.Errorf("wire: header size too small")
	}

	var buf bytes.Buffer
	buf.WriteByte((m.Version&0xF)<<4 | m.HeaderSize&0xF)
	buf.WriteByte(byte(m.Type&0xF)<<4 | byte(m.Flag&0xF))
	buf.WriteByte(byte(m.Serialization&0xF)<<4 | byte(m.Compression&0xF))
	for i := 3; i < headerBytes; i++ {
		buf.WriteByte(0)
	}

	if m.Flag == FlagWithEvent {
		binary.Write(&buf, binary.BigEndian, m.Event)
		if !connectionScoped(m.Event) {
			writeString(&buf, m.SessionID)
		}
		if connectionAck(m.Event) {
			writeString(&buf, m.ConnectID)
		}
	}

	switch m.Type {
	case TypeFullClientRequest, TypeFullServerResponse, TypeAudioOnlyServer:
		if m.Flag == FlagPositiveSeq || m.Flag == FlagNegativeSeq {
			binary.Write(&buf, binary.BigEndian, m.Sequence)
		}
	case TypeError:
		binary.Write(&buf, binary.BigEndian, m.ErrorCode)
	default:
		return nil, fmt.Errorf("wire: unsupported message type 0x%X", byte(m.Type))
	}

	binary.Write(&buf, binary.BigEndian, uint32(len(m.Payload)))
	buf.Write(m.Payload)
	return buf.Bytes(), nil
}

// Decode parses one frame. Frames with trailing bytes, unknown message
// types, or a compressed payload are rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if len(data) < 3 {
		return m, fmt.Errorf("wire: frame too short")
	}
	r := bytes.NewReader(data)

	b0, _ := r.ReadByte()
	m.Version = b0 >> 4 & 0xF
	m.HeaderSize = b0 & 0xF
	if m.HeaderSize < 1 {
		return m, fmt.Errorf("wire: invalid header size")
	}

	b1, _ := r.ReadByte()
	m.Type = MessageType(b1 >> 4 & 0xF)
	m.Flag = Flag(b1 & 0xF)

	b2, _ := r.ReadByte()
	m.Serialization = Serialization(b2 >> 4 & 0xF)
	m.Compression = Compression(b2 & 0xF)
	if m.Compression != CompressionNone {
		return m, fmt.Errorf("wire: compressed payloads not supported")
	}

	if pad := int(m.HeaderSize)*4 - 3; pad > 0 {
		skipped := make([]byte, pad)
		if _, err := io.ReadFull(r, skipped); err != nil {
			return m, fmt.Errorf("wire: invalid header padding")
		}
	}

	if m.Flag == FlagWithEvent {
		if err := binary.Read(r, binary.BigEndian, &m.Event); err != nil {
			return m, fmt.Errorf("wire: read event: %w", err)
		}
		if !connectionScoped(m.Event) {
			s, err := readString(r)
			if err != nil {
				return m, fmt.Errorf("wire: read session id: %w", err)
			}
			m.SessionID = s
		}
		if connectionAck(m.Event) {
			s, err := readString(r)
			if err != nil {
				return m, fmt.Errorf("wire: read connect id: %w", err)
			}
			m.ConnectID = s
		}
	}

	switch m.Type {
	case TypeFullClientRequest, TypeFullServerResponse, TypeAudioOnlyServer:
		if m.Flag == FlagPositiveSeq || m.Flag == FlagNegativeSeq {
			if err := binary.Read(r, binary.BigEndian, &m.Sequence); err != nil {
				return m, fmt.Errorf("wire: read sequence: %w", err)
			}
		}
	case TypeError:
		if err := binary.Read(r, binary.BigEndian, &m.ErrorCode); err != nil {
			return m, fmt.Errorf("wire: read error code: %w", err)
		}
	default:
		return m, fmt.Errorf("wire: unsupported message type 0x%X", byte(m.Type))
	}

	var payloadSize uint32
	if err := binary.Read(r, binary.BigEndian, &payloadSize); err != nil {
		return m, fmt.Errorf("wire: read payload size: %w", err)
	}
	if payloadSize > 0 {
		m.Payload = make([]byte, payloadSize)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return m, fmt.Errorf("wire: invalid payload size")
		}
	}

	if r.Len() != 0 {
		return m, fmt.Errorf("wire: unexpected trailing bytes in frame")
	}
	return m, nil
}

// StartConnection builds the connection handshake frame.
func StartConnection() []byte {
	b, _ := Encode(newClientMessage(EventStartConnection, "", []byte("{}")))
	return b
}

// StartSession opens a synthesis session.
func StartSession(sessionID string, payload []byte) []byte {
	b, _ := Encode(newClientMessage(EventStartSession, sessionID, payload))
	return b
}

// TaskRequest carries one text segment for synthesis.
func TaskRequest(sessionID string, payload []byte) []byte {
	b, _ := Encode(newClientMessage(EventTaskRequest, sessionID, payload))
	return b
}

// FinishSession closes the synthesis session.
func FinishSession(sessionID string) []byte {
	b, _ := Encode(newClientMessage(EventFinishSession, sessionID, []byte("{}")))
	return b
}

// FinishConnection closes the connection lifecycle.
func FinishConnection() []byte {
	b, _ := Encode(newClientMessage(EventFinishConnection, "", []byte("{}")))
	return b
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
