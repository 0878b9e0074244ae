package runners

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds a single packet frame. A frame this large is a
// corrupted length prefix, not a real packet.
const maxFrameSize = 1 << 20

// WriteFrame writes one length-prefixed packet frame.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(frame))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed packet frame. A clean end of stream
// before any prefix byte is io.EOF; a truncated frame is an error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame prefix: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return frame, nil
}

type recvResult struct {
	frame []byte
	err   error
}

// streamTransport adapts a byte stream of frames to the lifecycle transport
// contract. A pump goroutine owns the blocking reads so Recv can honor
// context cancellation.
type streamTransport struct {
	closer    io.Closer
	results   chan recvResult
	closeOnce sync.Once
}

func newStreamTransport(rc io.ReadCloser) *streamTransport {
	t := &streamTransport{
		closer:  rc,
		results: make(chan recvResult),
	}
	go t.pump(rc)
	return t
}

func (t *streamTransport) pump(r io.Reader) {
	defer close(t.results)
	for {
		frame, err := ReadFrame(r)
		t.results <- recvResult{frame: frame, err: err}
		if err != nil {
			return
		}
	}
}

func (t *streamTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case res, ok := <-t.results:
		if !ok {
			return nil, io.EOF
		}
		return res.frame, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *streamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.closer.Close()
		// Drain so the pump goroutine can exit.
		go func() {
			for range t.results {
			}
		}()
	})
	return err
}
