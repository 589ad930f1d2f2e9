package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the big-endian length prefix.
	LengthPrefixSize = 4

	// DefaultMaxMessageSize bounds a single frame payload (1 MiB).
	DefaultMaxMessageSize = 1 << 20

	// MaxLogFrameDataSize caps the frame bytes copied into log events.
	MaxLogFrameDataSize = 4096
)

// Framing errors.
var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
)

// frameLog is shared by the reader and writer halves.
type frameLog struct {
	logger log.Logger
	connID string
	role   log.Role
}

func (fl *frameLog) emit(data []byte, dir log.Direction) {
	if fl.logger == nil {
		return
	}
	logged, truncated := data, false
	if len(logged) > MaxLogFrameDataSize {
		logged, truncated = logged[:MaxLogFrameDataSize], true
	}
	fl.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: fl.connID,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		LocalRole:    fl.role,
		Frame: &log.FrameEvent{
			Size:      LengthPrefixSize + len(data),
			Data:      logged,
			Truncated: truncated,
		},
	})
}

// FrameWriter writes length-prefixed frames. Safe for concurrent use.
type FrameWriter struct {
	w       io.Writer
	maxSize uint32
	mu      sync.Mutex
	log     *frameLog
}

// NewFrameWriter creates a writer with DefaultMaxMessageSize.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, maxSize: DefaultMaxMessageSize, log: &frameLog{}}
}

// WriteFrame writes prefix and payload as one Write so a frame is never
// interleaved with another.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if uint64(len(data)) > uint64(fw.maxSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), fw.maxSize)
	}

	buf := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[LengthPrefixSize:], data)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	fw.log.emit(data, log.DirectionOut)
	return nil
}

// FrameReader reads length-prefixed frames. Not safe for concurrent use.
type FrameReader struct {
	r       io.Reader
	maxSize uint32
	prefix  [LengthPrefixSize]byte
	log     *frameLog
}

// NewFrameReader creates a reader with DefaultMaxMessageSize.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, maxSize: DefaultMaxMessageSize, log: &frameLog{}}
}

// ReadFrame returns the next payload without its prefix. A clean end of
// stream between frames is io.EOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(fr.prefix[:])
	if length == 0 {
		return nil, ErrMessageEmpty
	}
	if length > fr.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, fr.maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}
	fr.log.emit(payload, log.DirectionIn)
	return payload, nil
}

// Framer combines both halves over one stream.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a framer. A maxSize of zero keeps the default.
func NewFramer(rw io.ReadWriter, maxSize uint32) *Framer {
	f := &Framer{FrameReader: NewFrameReader(rw), FrameWriter: NewFrameWriter(rw)}
	if maxSize > 0 {
		f.FrameReader.maxSize = maxSize
		f.FrameWriter.maxSize = maxSize
	}
	shared := &frameLog{}
	f.FrameReader.log = shared
	f.FrameWriter.log = shared
	return f
}

// SetLogger enables frame logging for both directions. Call before the
// framer is shared between goroutines. Pass nil to disable.
func (f *Framer) SetLogger(logger log.Logger, connID string, role log.Role) {
	*f.FrameReader.log = frameLog{logger: logger, connID: connID, role: role}
}

// WriteMessage encodes msg and writes it as one frame.
func (f *Framer) WriteMessage(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return f.WriteFrame(data)
}

// ReadMessage reads and decodes one frame.
func (f *Framer) ReadMessage() (wire.Message, error) {
	data, err := f.ReadFrame()
	if err != nil {
		return nil, err
	}
	return wire.Decode(data)
}
