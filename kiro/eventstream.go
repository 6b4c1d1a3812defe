package kiro

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame is one decoded AWS event-stream message: either a content event or
// an exception, distinguished by the ":message-type"/":exception-type"
// headers the Kiro upstream sets. No pack example wires a real AWS
// event-stream SDK (github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream is
// absent from every go.mod in the retrieval pack), so this decoder is
// hand-rolled against the publicly documented binary layout: a 4-byte total
// length, a 4-byte headers length, a 4-byte prelude CRC, the header block,
// the payload, and a 4-byte trailing message CRC. CRCs are read but not
// verified — a corrupt frame surfaces as a JSON decode error downstream
// instead, which is sufficient for this proxy's purposes.
type Frame struct {
	IsException    bool
	ExceptionType  string
	Payload        json.RawMessage
}

// DecodeFrames reads AWS event-stream frames from r until EOF, calling fn
// for each one. It stops and returns fn's error if fn returns non-nil.
func DecodeFrames(r io.Reader, fn func(Frame) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		frame, err := readFrame(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}

func readFrame(br *bufio.Reader) (Frame, error) {
	var totalLen, headersLen uint32
	if err := binary.Read(br, binary.BigEndian, &totalLen); err != nil {
		return Frame{}, err
	}
	if err := binary.Read(br, binary.BigEndian, &headersLen); err != nil {
		return Frame{}, err
	}
	var preludeCRC uint32
	if err := binary.Read(br, binary.BigEndian, &preludeCRC); err != nil {
		return Frame{}, err
	}

	if totalLen < 16 || int(totalLen) < 16+int(headersLen) {
		return Frame{}, fmt.Errorf("kiro: malformed event-stream frame length")
	}

	headerBuf := make([]byte, headersLen)
	if _, err := io.ReadFull(br, headerBuf); err != nil {
		return Frame{}, err
	}
	headers := decodeHeaders(headerBuf)

	payloadLen := int(totalLen) - 16 - int(headersLen)
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(br, payload); err != nil {
		return Frame{}, err
	}

	var trailingCRC uint32
	if err := binary.Read(br, binary.BigEndian, &trailingCRC); err != nil {
		return Frame{}, err
	}

	frame := Frame{Payload: json.RawMessage(payload)}
	if excType, ok := headers[":exception-type"]; ok {
		frame.IsException = true
		frame.ExceptionType = excType
	}
	return frame, nil
}

// decodeHeaders parses the AWS event-stream header block: repeated
// (1-byte name length, name, 1-byte value type, 2-byte value length, value)
// tuples. Only string-typed header values (type 7) are expected from Kiro;
// other types are skipped by length without interpretation.
func decodeHeaders(buf []byte) map[string]string {
	out := make(map[string]string)
	i := 0
	for i < len(buf) {
		if i+1 > len(buf) {
			break
		}
		nameLen := int(buf[i])
		i++
		if i+nameLen > len(buf) {
			break
		}
		name := string(buf[i : i+nameLen])
		i += nameLen

		if i+1 > len(buf) {
			break
		}
		valType := buf[i]
		i++

		switch valType {
		case 7: // string
			if i+2 > len(buf) {
				return out
			}
			valLen := int(binary.BigEndian.Uint16(buf[i : i+2]))
			i += 2
			if i+valLen > len(buf) {
				return out
			}
			out[name] = string(buf[i : i+valLen])
			i += valLen
		case 4: // int32
			i += 4
		case 2: // byte
			i += 1
		default:
			return out
		}
	}
	return out
}
