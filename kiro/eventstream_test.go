package kiro

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeFrame builds one AWS event-stream frame by hand, mirroring the
// layout readFrame expects: total length, headers length, prelude CRC,
// headers, payload, trailing CRC. CRC values are not verified by the
// decoder so zero is sufficient here.
func encodeFrame(t *testing.T, headers map[string]string, payload []byte) []byte {
	t.Helper()
	var headerBuf bytes.Buffer
	for name, val := range headers {
		headerBuf.WriteByte(byte(len(name)))
		headerBuf.WriteString(name)
		headerBuf.WriteByte(7) // string type
		require.NoError(t, binary.Write(&headerBuf, binary.BigEndian, uint16(len(val))))
		headerBuf.WriteString(val)
	}

	total := 4 + 4 + 4 + headerBuf.Len() + len(payload) + 4
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(total)))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(headerBuf.Len())))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(0))) // prelude crc
	buf.Write(headerBuf.Bytes())
	buf.Write(payload)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(0))) // trailing crc
	return buf.Bytes()
}

func TestDecodeFrames_ContentFrame(t *testing.T) {
	frame := encodeFrame(t, map[string]string{":message-type": "event"}, []byte(`{"content":"hi"}`))

	var got []Frame
	err := DecodeFrames(bytes.NewReader(frame), func(f Frame) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsException)
	assert.JSONEq(t, `{"content":"hi"}`, string(got[0].Payload))
}

func TestDecodeFrames_ExceptionFrame(t *testing.T) {
	frame := encodeFrame(t, map[string]string{":exception-type": "ValidationException"}, []byte(`{"message":"bad"}`))

	var got []Frame
	err := DecodeFrames(bytes.NewReader(frame), func(f Frame) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsException)
	assert.Equal(t, "ValidationException", got[0].ExceptionType)
}

func TestDecodeFrames_MultipleFramesInSequence(t *testing.T) {
	var combined bytes.Buffer
	combined.Write(encodeFrame(t, nil, []byte(`{"content":"a"}`)))
	combined.Write(encodeFrame(t, nil, []byte(`{"content":"b"}`)))

	var contents []string
	err := DecodeFrames(&combined, func(f Frame) error {
		var c struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(f.Payload, &c)
		contents = append(contents, c.Content)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, contents)
}

func TestDecodeFrames_StopsOnCallbackError(t *testing.T) {
	var combined bytes.Buffer
	combined.Write(encodeFrame(t, nil, []byte(`{"content":"a"}`)))
	combined.Write(encodeFrame(t, nil, []byte(`{"content":"b"}`)))

	calls := 0
	err := DecodeFrames(&combined, func(f Frame) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}
