package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/grahama1970/cc-executor/internal/common/logger"
	v1 "github.com/grahama1970/cc-executor/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// collector gathers chunks thread-safely; the multiplexer emits from two
// goroutines.
type collector struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (c *collector) emit(chunk Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
}

func (c *collector) byKind(kind ChunkKind) []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Chunk
	for _, ch := range c.chunks {
		if ch.Kind == kind {
			out = append(out, ch)
		}
	}
	return out
}

func (c *collector) streamOutput(stream string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, ch := range c.chunks {
		if ch.Kind == ChunkOutput && ch.Stream == stream {
			sb.WriteString(ch.Data)
		}
	}
	return sb.String()
}

func defaultCaps() Caps {
	return Caps{
		MaxLineBytes:  64,
		MaxTotalBytes: 4096,
		MaxLineCount:  100,
	}
}

func TestReadUntilEOF_SimpleLines(t *testing.T) {
	m := NewMultiplexer(defaultCaps(), nil, newTestLogger(t))
	var c collector

	err := m.ReadUntilEOF(context.Background(),
		strings.NewReader("hello\nworld\n"),
		strings.NewReader("warn\n"),
		c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}

	if got := c.streamOutput(v1.StreamStdout); got != "hello\nworld\n" {
		t.Errorf("stdout = %q, want %q", got, "hello\nworld\n")
	}
	if got := c.streamOutput(v1.StreamStderr); got != "warn\n" {
		t.Errorf("stderr = %q, want %q", got, "warn\n")
	}
	if eofs := c.byKind(ChunkEOF); len(eofs) != 2 {
		t.Errorf("expected 2 eof chunks, got %d", len(eofs))
	}
}

func TestReadUntilEOF_StdoutOrderPreserved(t *testing.T) {
	m := NewMultiplexer(defaultCaps(), nil, newTestLogger(t))
	var c collector

	input := "one\ntwo\nthree\nfour\n"
	err := m.ReadUntilEOF(context.Background(),
		strings.NewReader(input),
		strings.NewReader(""),
		c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}

	if got := c.streamOutput(v1.StreamStdout); got != input {
		t.Errorf("stdout order not preserved: got %q", got)
	}
}

func TestReadUntilEOF_FinalLineWithoutNewline(t *testing.T) {
	m := NewMultiplexer(defaultCaps(), nil, newTestLogger(t))
	var c collector

	err := m.ReadUntilEOF(context.Background(),
		strings.NewReader("partial"),
		strings.NewReader(""),
		c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}

	if got := c.streamOutput(v1.StreamStdout); got != "partial" {
		t.Errorf("stdout = %q, want %q", got, "partial")
	}
}

func TestLongLineTruncated(t *testing.T) {
	caps := defaultCaps()
	caps.MaxLineBytes = 16
	m := NewMultiplexer(caps, nil, newTestLogger(t))
	var c collector

	// One line longer than the cap, then a normal line.
	long := strings.Repeat("a", 17)
	err := m.ReadUntilEOF(context.Background(),
		strings.NewReader(long+"\nok\n"),
		strings.NewReader(""),
		c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}

	outputs := c.byKind(ChunkOutput)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 output chunks, got %d", len(outputs))
	}
	if !outputs[0].Truncated {
		t.Error("first chunk should be marked truncated")
	}
	if len(outputs[0].Data) != 16 {
		t.Errorf("truncated chunk length = %d, want 16", len(outputs[0].Data))
	}
	if outputs[1].Data != "ok\n" {
		t.Errorf("post-truncation line = %q, want %q", outputs[1].Data, "ok\n")
	}
	if markers := c.byKind(ChunkLineTruncated); len(markers) != 1 {
		t.Errorf("expected 1 line_truncated marker, got %d", len(markers))
	}
}

func TestByteBudgetUnderCap(t *testing.T) {
	caps := defaultCaps()
	caps.MaxTotalBytes = 12
	m := NewMultiplexer(caps, nil, newTestLogger(t))
	var c collector

	// 11 bytes total: under the cap, no marker.
	err := m.ReadUntilEOF(context.Background(),
		strings.NewReader("hello\nworld"),
		strings.NewReader(""),
		c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}

	if markers := c.byKind(ChunkBufferExhausted); len(markers) != 0 {
		t.Errorf("expected no buffer_exhausted marker, got %d", len(markers))
	}
	if m.DroppedLines() != 0 {
		t.Errorf("DroppedLines = %d, want 0", m.DroppedLines())
	}
}

func TestByteBudgetExceeded(t *testing.T) {
	caps := defaultCaps()
	caps.MaxTotalBytes = 10
	m := NewMultiplexer(caps, nil, newTestLogger(t))
	var c collector

	err := m.ReadUntilEOF(context.Background(),
		strings.NewReader("aaaa\nbbbb\ncccc\ndddd\n"),
		strings.NewReader(""),
		c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}

	if markers := c.byKind(ChunkBufferExhausted); len(markers) != 1 {
		t.Errorf("expected exactly 1 buffer_exhausted marker, got %d", len(markers))
	}
	if got := int64(len(c.streamOutput(v1.StreamStdout))); got > caps.MaxTotalBytes {
		t.Errorf("emitted %d bytes, cap is %d", got, caps.MaxTotalBytes)
	}
	if m.DroppedLines() == 0 {
		t.Error("expected dropped lines after budget exhaustion")
	}
	if m.BytesEmitted() > caps.MaxTotalBytes {
		t.Errorf("BytesEmitted = %d exceeds cap %d", m.BytesEmitted(), caps.MaxTotalBytes)
	}
}

func TestLineCountExceeded(t *testing.T) {
	caps := defaultCaps()
	caps.MaxLineCount = 2
	m := NewMultiplexer(caps, nil, newTestLogger(t))
	var c collector

	err := m.ReadUntilEOF(context.Background(),
		strings.NewReader("1\n2\n3\n4\n"),
		strings.NewReader(""),
		c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}

	if outputs := c.byKind(ChunkOutput); len(outputs) != 2 {
		t.Errorf("expected 2 output chunks, got %d", len(outputs))
	}
	if markers := c.byKind(ChunkBufferExhausted); len(markers) != 1 {
		t.Errorf("expected exactly 1 buffer_exhausted marker, got %d", len(markers))
	}
	if m.DroppedLines() != 2 {
		t.Errorf("DroppedLines = %d, want 2", m.DroppedLines())
	}
}

func TestTokenLimitSentinel(t *testing.T) {
	sentinels := []string{"output token maximum"}
	m := NewMultiplexer(defaultCaps(), sentinels, newTestLogger(t))
	var c collector

	line := "Claude's response exceeded the 32000 output token maximum\n"
	err := m.ReadUntilEOF(context.Background(),
		strings.NewReader("before\n"+line+"after\n"),
		strings.NewReader(""),
		c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}

	hits := c.byKind(ChunkTokenLimit)
	if len(hits) != 1 {
		t.Fatalf("expected 1 token_limit chunk, got %d", len(hits))
	}
	if hits[0].TokenLimit != 32000 {
		t.Errorf("TokenLimit = %d, want 32000", hits[0].TokenLimit)
	}

	// Detection must not swallow the line itself.
	if !strings.Contains(c.streamOutput(v1.StreamStdout), "output token maximum") {
		t.Error("sentinel line should still be emitted as normal output")
	}
	// Reading continues past the sentinel.
	if !strings.Contains(c.streamOutput(v1.StreamStdout), "after\n") {
		t.Error("reading should continue after sentinel detection")
	}
}

func TestTokenLimitSentinelNotOnStderr(t *testing.T) {
	sentinels := []string{"output token maximum"}
	m := NewMultiplexer(defaultCaps(), sentinels, newTestLogger(t))
	var c collector

	err := m.ReadUntilEOF(context.Background(),
		strings.NewReader(""),
		strings.NewReader("exceeded the output token maximum\n"),
		c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}

	if hits := c.byKind(ChunkTokenLimit); len(hits) != 0 {
		t.Errorf("sentinel scanning must only apply to stdout, got %d hits", len(hits))
	}
}

// failingReader yields some data, then a read error.
type failingReader struct {
	data string
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		n := copy(p, r.data)
		return n, nil
	}
	return 0, errors.New("pipe burst")
}

func TestStreamErrorStopsOneSide(t *testing.T) {
	m := NewMultiplexer(defaultCaps(), nil, newTestLogger(t))
	var c collector

	err := m.ReadUntilEOF(context.Background(),
		&failingReader{data: "good\n"},
		strings.NewReader("steady\n"),
		c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}

	if errs := c.byKind(ChunkStreamError); len(errs) != 1 {
		t.Fatalf("expected 1 stream_error chunk, got %d", len(errs))
	}
	// The healthy stream runs to its own EOF.
	if got := c.streamOutput(v1.StreamStderr); got != "steady\n" {
		t.Errorf("stderr = %q, want %q", got, "steady\n")
	}
	if got := c.streamOutput(v1.StreamStdout); got != "good\n" {
		t.Errorf("stdout before error = %q, want %q", got, "good\n")
	}
}

func TestEmptyStreams(t *testing.T) {
	m := NewMultiplexer(defaultCaps(), nil, newTestLogger(t))
	var c collector

	err := m.ReadUntilEOF(context.Background(),
		strings.NewReader(""), strings.NewReader(""), c.emit)
	if err != nil {
		t.Fatalf("ReadUntilEOF failed: %v", err)
	}
	if outputs := c.byKind(ChunkOutput); len(outputs) != 0 {
		t.Errorf("expected no output chunks, got %d", len(outputs))
	}
	if eofs := c.byKind(ChunkEOF); len(eofs) != 2 {
		t.Errorf("expected 2 eof chunks, got %d", len(eofs))
	}
}

var _ io.Reader = (*failingReader)(nil)
