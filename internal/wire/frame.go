package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameSize bounds a single frame read from a stream
const MaxFrameSize = 64 * 1024 * 1024

// ErrFrameTooLarge is returned when a peer announces an oversized frame
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// StreamConn frames messages over a byte stream with a uvarint length
// prefix. Context cancellation interrupts blocked reads and writes by
// expiring the connection deadline, or closing it when deadlines are not
// supported.
type StreamConn struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader

	wmu sync.Mutex
}

// NewStreamConn wraps conn
func NewStreamConn(conn io.ReadWriteCloser) *StreamConn {
	return &StreamConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *StreamConn) interrupt(ctx context.Context, read bool) func() bool {
	return context.AfterFunc(ctx, func() {
		if d, ok := c.conn.(deadliner); ok {
			past := time.Unix(1, 0)
			if read {
				_ = d.SetReadDeadline(past)
			} else {
				_ = d.SetWriteDeadline(past)
			}
			return
		}
		_ = c.conn.Close()
	})
}

// ReadFrame blocks until a whole frame arrives
func (c *StreamConn) ReadFrame(ctx context.Context) ([]byte, error) {
	stop := c.interrupt(ctx, true)
	defer stop()

	size, err := binary.ReadUvarint(c.r)
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, c.wrap(ctx, err)
	}
	return buf, nil
}

// WriteFrame sends one frame; safe for concurrent use
func (c *StreamConn) WriteFrame(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := c.interrupt(ctx, false)
	defer stop()

	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(frame)))
	if _, err := c.conn.Write(append(prefix[:n:n], frame...)); err != nil {
		return c.wrap(ctx, err)
	}
	return nil
}

// Close closes the underlying connection
func (c *StreamConn) Close() error {
	return c.conn.Close()
}

func (c *StreamConn) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
