package output

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/drewrad8/foreman/internal/log"
)

// Sink receives durable copies of captured output segments.
type Sink interface {
	AppendSegment(workerID string, seq uint64, data []byte, at time.Time) error
}

// Chunk is a captured output segment delivered to subscribers.
type Chunk struct {
	WorkerID string
	Seq      uint64
	Data     []byte
	At       time.Time
}

const (
	readChunkSize = 32 * 1024
	pollInterval  = 100 * time.Millisecond
)

// Capturer tails the file a worker's pipe-pane writes into, appending each
// chunk to the worker's ring, the durable sink, and the onChunk callback.
type Capturer struct {
	workerID string
	path     string
	ring     *Ring
	sink     Sink
	onChunk  func(Chunk)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCapturer creates a capturer for the given pipe file. sink and onChunk
// may be nil.
func NewCapturer(workerID, path string, ring *Ring, sink Sink, onChunk func(Chunk)) *Capturer {
	return &Capturer{
		workerID: workerID,
		path:     path,
		ring:     ring,
		sink:     sink,
		onChunk:  onChunk,
		done:     make(chan struct{}),
	}
}

// Start begins tailing on a background goroutine.
func (c *Capturer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	log.SafeGo("output.capture."+c.workerID, func() {
		defer close(c.done)
		c.pump(ctx)
	})
}

// Stop halts the capture pump and waits for it to exit.
func (c *Capturer) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// pump tails the pipe file. The file is created by tmux's pipe-pane shell
// command, which may not have run yet when capture starts, so open is retried.
func (c *Capturer) pump(ctx context.Context) {
	var f *os.File
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if f == nil {
			var err error
			f, err = os.Open(c.path) //nolint:gosec // G304: path is orchestrator-generated
			if err != nil {
				if !sleepCtx(ctx, pollInterval) {
					return
				}
				continue
			}
			log.Debug(log.CatOut, "capture attached", "workerID", c.workerID, "path", c.path)
		}

		n, err := f.Read(buf)
		if n > 0 {
			c.deliver(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				log.ErrorErr(log.CatOut, "capture read failed", err, "workerID", c.workerID)
				return
			}
			// At end of file: wait for the subprocess to write more.
			if !sleepCtx(ctx, pollInterval) {
				return
			}
		}
	}
}

func (c *Capturer) deliver(data []byte) {
	// The ring retains the byte slice contents, so copy before handing the
	// read buffer back to the loop.
	chunk := make([]byte, len(data))
	copy(chunk, data)

	now := time.Now()
	seq := c.ring.Append(chunk)

	if c.sink != nil {
		if err := c.sink.AppendSegment(c.workerID, seq, chunk, now); err != nil {
			log.ErrorErr(log.CatOut, "history append failed", err, "workerID", c.workerID, "seq", seq)
		}
	}
	if c.onChunk != nil {
		c.onChunk(Chunk{WorkerID: c.workerID, Seq: seq, Data: chunk, At: now})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
