// Package dimse implements the device-facing message exchange: a framed
// request/response codec over TCP and the three service class providers
// (worklist query, instance storage, procedure-step events) built on it.
package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/suyashkumar/dicom"
)

// Command identifiers. Requests carry the base value, responses set the
// high bit.
const (
	CmdCStoreRQ   uint16 = 0x0001
	CmdCStoreRSP  uint16 = 0x8001
	CmdCFindRQ    uint16 = 0x0020
	CmdCFindRSP   uint16 = 0x8020
	CmdNSetRQ     uint16 = 0x0120
	CmdNSetRSP    uint16 = 0x8120
	CmdNCreateRQ  uint16 = 0x0140
	CmdNCreateRSP uint16 = 0x8140
)

// Exchange status codes.
const (
	StatusSuccess           uint16 = 0x0000
	StatusPending           uint16 = 0xFF00
	StatusProcessingFailure uint16 = 0x0110
	StatusOutOfResources    uint16 = 0xA700
	StatusCannotUnderstand  uint16 = 0xC000
)

// headerSize is command (2) + status (2) + payload length (4), big endian.
const headerSize = 8

// Message is one framed exchange unit: a command word, a status word and an
// optional encoded dataset payload.
type Message struct {
	Command uint16
	Status  uint16
	Payload []byte
}

// Response builds a reply to this message with the response command bit set.
func (m *Message) Response(status uint16, payload []byte) *Message {
	return &Message{Command: m.Command | 0x8000, Status: status, Payload: payload}
}

// FrameTooLargeError reports a frame whose declared payload exceeds the
// configured limit. The header was already consumed, so the offending
// command is known even though the payload was never read.
type FrameTooLargeError struct {
	Command  uint16
	Declared uint32
	Limit    int64
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("declared payload of %d bytes exceeds limit of %d", e.Declared, e.Limit)
}

// ReadMessage decodes one framed message. maxPayload bounds the declared
// payload length so a corrupt or hostile peer cannot force an arbitrary
// allocation.
func ReadMessage(r io.Reader, maxPayload int64) (*Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msg := &Message{
		Command: binary.BigEndian.Uint16(header[0:2]),
		Status:  binary.BigEndian.Uint16(header[2:4]),
	}
	length := binary.BigEndian.Uint32(header[4:8])
	if maxPayload > 0 && int64(length) > maxPayload {
		return nil, &FrameTooLargeError{Command: msg.Command, Declared: length, Limit: maxPayload}
	}
	if length > 0 {
		msg.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, fmt.Errorf("short payload read: %w", err)
		}
	}
	return msg, nil
}

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, msg *Message) error {
	var header [headerSize]byte
	binary.BigEndian.PutUint16(header[0:2], msg.Command)
	binary.BigEndian.PutUint16(header[2:4], msg.Status)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(msg.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(msg.Payload) > 0 {
		if _, err := w.Write(msg.Payload); err != nil {
			return err
		}
	}
	return nil
}

// EncodeDataset serializes a dataset for use as a message payload.
func EncodeDataset(ds dicom.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds); err != nil {
		return nil, fmt.Errorf("encode dataset: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeDataset parses a message payload back into a dataset.
func DecodeDataset(payload []byte) (*dicom.Dataset, error) {
	ds, err := dicom.Parse(bytes.NewReader(payload), int64(len(payload)), nil)
	if err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return &ds, nil
}
