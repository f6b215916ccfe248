// Package stream converts a subprocess's stdout/stderr pipes into an ordered
// sequence of bounded output chunks.
//
// The multiplexer reads both pipes concurrently, splits output on newlines,
// and enforces three caps: per-line bytes, total relayed bytes, and total
// relayed lines. Once a total cap is crossed, further lines are counted as
// dropped rather than emitted, so a chatty subprocess cannot grow server
// memory without bound. Token-limit sentinels are detected on stdout lines
// while reading; detection never interrupts the subprocess.
package stream

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/grahama1970/cc-executor/internal/common/logger"
	v1 "github.com/grahama1970/cc-executor/pkg/api/v1"
	"go.uber.org/zap"
)

// ChunkKind classifies a chunk emitted by the multiplexer.
type ChunkKind string

const (
	// ChunkOutput carries subprocess output, possibly truncated to the line cap.
	ChunkOutput ChunkKind = "output"
	// ChunkLineTruncated marks that the preceding chunk was cut at the line
	// cap or at the remaining byte budget.
	ChunkLineTruncated ChunkKind = "line_truncated"
	// ChunkBufferExhausted marks the first crossing of a total-output cap.
	ChunkBufferExhausted ChunkKind = "buffer_exhausted"
	// ChunkStreamError carries a pipe read failure; the stream stops afterwards.
	ChunkStreamError ChunkKind = "stream_error"
	// ChunkEOF marks the natural end of one stream.
	ChunkEOF ChunkKind = "eof"
	// ChunkTokenLimit carries a stdout line that matched a token-limit sentinel.
	ChunkTokenLimit ChunkKind = "token_limit"
)

// Chunk is one unit of multiplexed output.
type Chunk struct {
	Kind      ChunkKind
	Stream    string // stdout or stderr
	Data      string
	Index     uint64
	Truncated bool
	// TokenLimit is the parsed numeric limit for ChunkTokenLimit chunks.
	TokenLimit int
}

// EmitFunc receives chunks in emission order. It must not block beyond the
// bounded put of the relay queue; back-pressure is the relay's job, not ours.
type EmitFunc func(Chunk)

// Caps bounds how much subprocess output is relayed.
type Caps struct {
	MaxLineBytes  int
	MaxTotalBytes int64
	MaxLineCount  int
}

// tokenLimitRe extracts the numeric budget from sentinel lines such as
// "Claude's response exceeded the 32000 output token maximum".
var tokenLimitRe = regexp.MustCompile(`(\d{2,9})\s+output token`)

// Multiplexer reads a subprocess's two output pipes until both reach EOF.
// One Multiplexer serves exactly one execution; budgets are not reusable.
type Multiplexer struct {
	caps      Caps
	sentinels []string
	logger    *logger.Logger

	seq uint64 // chunk index allocator, atomic

	mu           sync.Mutex
	totalBytes   int64
	lineCount    int
	exhausted    bool
	droppedLines int64
}

// NewMultiplexer creates a multiplexer for a single execution.
func NewMultiplexer(caps Caps, sentinels []string, log *logger.Logger) *Multiplexer {
	return &Multiplexer{
		caps:      caps,
		sentinels: sentinels,
		logger:    log.WithFields(zap.String("component", "stream-multiplexer")),
	}
}

// DroppedLines returns how many lines were counted but not emitted.
func (m *Multiplexer) DroppedLines() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedLines
}

// BytesEmitted returns the total payload bytes emitted so far.
func (m *Multiplexer) BytesEmitted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

// ReadUntilEOF reads both streams concurrently and emits chunks until both
// have closed. Cancellation of the context is observed between lines: a read
// already blocked on a pipe returns only when that pipe delivers data or
// closes. A read error on one stream stops only that stream; the other
// continues to its own EOF.
func (m *Multiplexer) ReadUntilEOF(ctx context.Context, stdout, stderr io.Reader, emit EmitFunc) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.readStream(ctx, stdout, v1.StreamStdout, emit)
		return nil
	})
	g.Go(func() error {
		m.readStream(ctx, stderr, v1.StreamStderr, emit)
		return nil
	})

	return g.Wait()
}

// readStream consumes one pipe line by line. The bufio buffer is sized to the
// line cap, so a line that overflows it surfaces as bufio.ErrBufferFull and is
// truncated in place; the remainder is discarded up to the next newline.
func (m *Multiplexer) readStream(ctx context.Context, r io.Reader, stream string, emit EmitFunc) {
	bufSize := m.caps.MaxLineBytes
	if bufSize < 16 {
		bufSize = 16
	}
	reader := bufio.NewReaderSize(r, bufSize)

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := reader.ReadSlice('\n')
		truncated := false

		if err == bufio.ErrBufferFull {
			// Line longer than the cap: emit what fits, then drain the rest.
			truncated = true
			m.deliverLine(stream, string(line), truncated, emit)
			if derr := discardToNewline(reader); derr != nil {
				m.finishStream(stream, derr, emit)
				return
			}
			continue
		}

		if len(line) > 0 {
			m.deliverLine(stream, string(line), truncated, emit)
		}

		if err != nil {
			m.finishStream(stream, err, emit)
			return
		}
	}
}

// finishStream emits the terminal chunk for one stream: eof on a clean close,
// stream_error on an I/O failure.
func (m *Multiplexer) finishStream(stream string, err error, emit EmitFunc) {
	if err == io.EOF {
		emit(Chunk{Kind: ChunkEOF, Stream: stream, Index: m.nextIndex()})
		return
	}
	m.logger.Warn("stream read failed",
		zap.String("stream", stream),
		zap.Error(err))
	emit(Chunk{
		Kind:   ChunkStreamError,
		Stream: stream,
		Data:   err.Error(),
		Index:  m.nextIndex(),
	})
}

// deliverLine applies the shared byte/line budget and emits the line, a
// truncation marker, an exhaustion marker, or nothing, as the budget allows.
// Sentinel scanning happens before budget accounting so a token-limit line is
// reported even when the relay budget is already spent.
func (m *Multiplexer) deliverLine(stream string, line string, lineTruncated bool, emit EmitFunc) {
	if stream == v1.StreamStdout {
		if limit, hit := m.matchSentinel(line); hit {
			emit(Chunk{
				Kind:       ChunkTokenLimit,
				Stream:     stream,
				Data:       line,
				Index:      m.nextIndex(),
				TokenLimit: limit,
			})
		}
	}

	m.mu.Lock()
	if m.exhausted {
		m.droppedLines++
		m.mu.Unlock()
		return
	}

	remaining := m.caps.MaxTotalBytes - m.totalBytes
	overBytes := int64(len(line)) > remaining
	overLines := m.lineCount+1 > m.caps.MaxLineCount

	if overLines || (overBytes && remaining <= 0) {
		m.exhausted = true
		m.droppedLines++
		m.mu.Unlock()
		emit(Chunk{Kind: ChunkBufferExhausted, Stream: stream, Index: m.nextIndex()})
		return
	}

	if overBytes {
		// Emit the prefix that still fits, then cross into exhaustion.
		line = line[:remaining]
		lineTruncated = true
		m.exhausted = true
	}

	m.totalBytes += int64(len(line))
	m.lineCount++
	exhaustedNow := m.exhausted
	m.mu.Unlock()

	emit(Chunk{
		Kind:      ChunkOutput,
		Stream:    stream,
		Data:      line,
		Index:     m.nextIndex(),
		Truncated: lineTruncated,
	})
	if lineTruncated {
		emit(Chunk{Kind: ChunkLineTruncated, Stream: stream, Index: m.nextIndex()})
	}
	if exhaustedNow {
		emit(Chunk{Kind: ChunkBufferExhausted, Stream: stream, Index: m.nextIndex()})
	}
}

// matchSentinel reports whether a stdout line contains a configured
// token-limit sentinel, and parses the numeric limit when present.
func (m *Multiplexer) matchSentinel(line string) (int, bool) {
	for _, pattern := range m.sentinels {
		if pattern == "" {
			continue
		}
		if !containsFold(line, pattern) {
			continue
		}
		limit := 0
		if match := tokenLimitRe.FindStringSubmatch(line); match != nil {
			limit, _ = strconv.Atoi(match[1])
		}
		return limit, true
	}
	return 0, false
}

func (m *Multiplexer) nextIndex() uint64 {
	return atomic.AddUint64(&m.seq, 1)
}

// discardToNewline drains reader input up to and including the next newline.
func discardToNewline(reader *bufio.Reader) error {
	for {
		_, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		return err
	}
}

// containsFold is a case-insensitive substring match restricted to ASCII,
// which covers the configured sentinel phrases without allocating.
func containsFold(s, substr string) bool {
	n := len(substr)
	if n == 0 {
		return true
	}
	if len(s) < n {
		return false
	}
	for i := 0; i+n <= len(s); i++ {
		if equalFoldASCII(s[i:i+n], substr) {
			return true
		}
	}
	return false
}

func equalFoldASCII(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
