// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package wire_test

import (
	"bufio"
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidekick-host/sidekick/pkg/wire"
)

// shortWriter delivers at most n bytes per Write call to exercise the
// encoder's short-write retry loop.
type shortWriter struct {
	buf *bytes.Buffer
	n   int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.n {
		p = p[:w.n]
	}
	return w.buf.Write(p)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cmd := wire.Command{
		ToolCalls: []wire.ToolCall{{
			Func:       "query",
			Properties: map[string]any{"text": "hi", "limit": float64(3)},
			Messages: []wire.Message{
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "hi there"},
			},
			SystemInfo: map[string]any{"os": "linux"},
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, wire.NewEncoder(&buf).Encode(cmd))

	// Frame must end with exactly one delimiter.
	raw := buf.Bytes()
	require.Equal(t, wire.Delimiter, raw[len(raw)-1])
	assert.NotContains(t, string(raw[:len(raw)-1]), string(wire.Delimiter))

	var got wire.Command
	require.NoError(t, wire.NewDecoder(&buf).Decode(&got))
	assert.Equal(t, cmd, got)
}

func TestEncode_ShortWrites(t *testing.T) {
	w := &shortWriter{buf: &bytes.Buffer{}, n: 3}
	require.NoError(t, wire.NewEncoder(w).Encode(wire.NewCommand("echo", nil)))

	var got wire.Command
	require.NoError(t, wire.NewDecoder(w.buf).Decode(&got))
	tc, ok := got.First()
	require.True(t, ok)
	assert.Equal(t, "echo", tc.Func)
}

func TestEncode_FlushesBufferedWriter(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriterSize(&buf, 4096)
	require.NoError(t, wire.NewEncoder(bw).Encode(wire.FinalChunk(true, "done")))

	// Without the flush the frame would still sit in the bufio buffer.
	assert.NotZero(t, buf.Len())
	assert.Equal(t, wire.Delimiter, buf.Bytes()[buf.Len()-1])
}

func TestDecode_PartialReads(t *testing.T) {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	require.NoError(t, enc.Encode(wire.PartialChunk("first")))
	require.NoError(t, enc.Encode(wire.FinalChunk(true, "second")))

	// One byte per read forces the decoder to buffer across reads.
	dec := wire.NewDecoder(iotest.OneByteReader(&buf))

	var first, second wire.Chunk
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "first", first.Message)
	assert.False(t, first.Final())

	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "second", second.Message)
	assert.True(t, second.Final())
	assert.True(t, second.OK())

	var extra wire.Chunk
	assert.ErrorIs(t, dec.Decode(&extra), io.EOF)
}

func TestDecode_MultipleFramesInOneRead(t *testing.T) {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	for i := 0; i < 5; i++ {
		require.NoError(t, enc.Encode(wire.PartialChunk("chunk")))
	}

	dec := wire.NewDecoder(bytes.NewReader(buf.Bytes()))
	for i := 0; i < 5; i++ {
		var c wire.Chunk
		require.NoError(t, dec.Decode(&c))
		assert.Equal(t, "chunk", c.Message)
	}
	var c wire.Chunk
	assert.ErrorIs(t, dec.Decode(&c), io.EOF)
}

func TestDecode_MalformedFrameBreaksChannel(t *testing.T) {
	data := append([]byte(`{"success": tr`), wire.Delimiter)
	data = append(data, []byte(`{"success": true}`)...)
	data = append(data, wire.Delimiter)

	dec := wire.NewDecoder(bytes.NewReader(data))

	var c wire.Chunk
	err := dec.Decode(&c)
	require.ErrorIs(t, err, wire.ErrFraming)
	assert.True(t, dec.Broken())

	// No resynchronization: even though a valid frame follows, the channel
	// stays broken.
	assert.ErrorIs(t, dec.Decode(&c), wire.ErrChannelBroken)
}

func TestDecode_TruncatedFrame(t *testing.T) {
	dec := wire.NewDecoder(bytes.NewReader([]byte(`{"message":"cut off`)))

	var c wire.Chunk
	assert.ErrorIs(t, dec.Decode(&c), wire.ErrFraming)
}

func TestDecode_EmptyFrame(t *testing.T) {
	dec := wire.NewDecoder(bytes.NewReader([]byte{wire.Delimiter}))

	var c wire.Chunk
	assert.ErrorIs(t, dec.Decode(&c), wire.ErrFraming)
}

func TestDecoder_Buffered(t *testing.T) {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	require.NoError(t, enc.Encode(wire.FinalChunk(true, "")))
	require.NoError(t, enc.Encode(wire.PartialChunk("late")))

	dec := wire.NewDecoder(bytes.NewReader(buf.Bytes()))
	var c wire.Chunk
	require.NoError(t, dec.Decode(&c))
	require.True(t, c.Final())

	// The late chunk is still sitting in the buffer.
	assert.NotZero(t, dec.Buffered())
}

func TestChunk_Helpers(t *testing.T) {
	p := wire.PartialChunk("partial")
	assert.False(t, p.Final())
	assert.False(t, p.OK())

	f := wire.FinalChunk(false, "boom")
	assert.True(t, f.Final())
	assert.False(t, f.OK())
}
