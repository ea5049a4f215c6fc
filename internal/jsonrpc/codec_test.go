package jsonrpc

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadClassifiesMessages(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":1,"result":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`,
		`{"jsonrpc":"2.0","id":"abc","error":{"code":-32601,"message":"nope"}}`,
	}, "\n") + "\n"

	r := NewReader(strings.NewReader(input))

	msg, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindRequest, msg.Kind())
	assert.Equal(t, "ping", msg.Method)
	assert.Equal(t, "1", msg.CorrelationKey())

	msg, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind())
	assert.Equal(t, "1", msg.CorrelationKey())

	msg, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindNotification, msg.Kind())
	assert.False(t, msg.HasID())

	msg, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind())
	require.NotNil(t, msg.Error)
	assert.Equal(t, -32601, msg.Error.Code)
	assert.Equal(t, `"abc"`, msg.CorrelationKey())

	_, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestReadSkipsBlankLines(t *testing.T) {
	r := NewReader(strings.NewReader("\n   \n\t\n{\"jsonrpc\":\"2.0\",\"id\":7,\"method\":\"ping\"}\n"))

	msg, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "7", msg.CorrelationKey())
}

func TestReadMalformedFrame(t *testing.T) {
	r := NewReader(strings.NewReader("not json\n{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"ping\"}\n"))

	_, err := r.Read()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Oversized)

	// The reader resynchronizes at the next frame.
	msg, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "2", msg.CorrelationKey())
}

func TestReadOversizedFrame(t *testing.T) {
	big := `{"jsonrpc":"2.0","id":1,"method":"` + strings.Repeat("x", 256) + `"}`
	input := big + "\n" + `{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n"

	r := NewReaderSize(strings.NewReader(input), 64)

	_, err := r.Read()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Oversized)

	msg, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "2", msg.CorrelationKey())
}

func TestNumericIDsRoundTripBitExactly(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":9007199254740993,"method":"ping","params":{"a":1}}`
	r := NewReader(strings.NewReader(raw + "\n"))

	msg, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", msg.CorrelationKey())

	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":9007199254740993`)
}

func TestUnknownFieldsPreserved(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":1,"method":"ping","_meta":{"trace":"t-1"}}`
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	out, err := json.Marshal(&msg)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"_meta":{"trace":"t-1"}`)
}

func TestIntegerAndStringIDsAreDistinctKeys(t *testing.T) {
	a := NewRequest(json.RawMessage(`1`), "ping", nil)
	b := NewRequest(json.RawMessage(`"1"`), "ping", nil)
	assert.NotEqual(t, a.CorrelationKey(), b.CorrelationKey())
}

func TestWriterFramesOnePerLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Write(NewResult(json.RawMessage("1"), json.RawMessage(`{"ok":true}`))))
	require.NoError(t, w.Write(NewNotification("notifications/message", json.RawMessage(`{}`))))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, lines[0])
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{}}`, lines[1])
}

func TestWriterCompactsEmbeddedNewlines(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	pretty := json.RawMessage("{\n  \"a\": 1\n}")
	require.NoError(t, w.Write(NewResult(json.RawMessage("1"), pretty)))

	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestErrorResponseShape(t *testing.T) {
	msg := NewError(nil, CodeParseError, "Parse error")
	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, string(out))
}
