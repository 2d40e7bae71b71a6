package proxy

import (
	"bufio"
	"io"
	"sync"

	"github.com/containai/acp-proxy/pkg/logger"
	"github.com/containai/acp-proxy/pkg/wire"
)

// outputQueueCapacity bounds the editor-facing queue. Large enough to absorb
// bursts from many sessions, small enough to keep memory bounded; producers
// block when it fills.
const outputQueueCapacity = 1000

// OutputWriter is the sole writer of the editor-facing stream. Sessions
// enqueue envelopes concurrently; a single drain goroutine writes each as
// one NDJSON line and flushes, so lines are never interleaved.
type OutputWriter struct {
	// mu guards the closed flag: producers enqueue under the read lock,
	// Complete closes the queue under the write lock, so a send can never
	// race the close.
	mu     sync.RWMutex
	closed bool
	queue  chan *wire.Envelope
	wg     sync.WaitGroup

	out *bufio.Writer
	log *logger.Logger
}

// NewOutputWriter starts the drain loop over w.
func NewOutputWriter(w io.Writer, log *logger.Logger) *OutputWriter {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	ow := &OutputWriter{
		queue: make(chan *wire.Envelope, outputQueueCapacity),
		out:   bufio.NewWriter(w),
		log:   log,
	}
	ow.wg.Add(1)
	go ow.drain()
	return ow
}

// Enqueue hands an envelope to the drain loop. It blocks when the queue is
// full and reports false once the writer has been completed. A blocked
// producer holds the read lock, but the drain loop keeps consuming, so
// Complete can only be delayed, never deadlocked.
func (ow *OutputWriter) Enqueue(env *wire.Envelope) bool {
	ow.mu.RLock()
	defer ow.mu.RUnlock()
	if ow.closed {
		return false
	}
	ow.queue <- env
	return true
}

// Complete signals that no more envelopes will arrive and waits for the
// drain loop to flush the remaining items. Idempotent.
func (ow *OutputWriter) Complete() {
	ow.mu.Lock()
	if ow.closed {
		ow.mu.Unlock()
		ow.wg.Wait()
		return
	}
	ow.closed = true
	close(ow.queue)
	ow.mu.Unlock()
	ow.wg.Wait()
}

func (ow *OutputWriter) drain() {
	defer ow.wg.Done()
	for env := range ow.queue {
		data, err := wire.Encode(env)
		if err != nil {
			ow.log.Error("failed to serialize outgoing message: %v", err)
			continue
		}
		if _, err := ow.out.Write(data); err != nil {
			ow.log.Error("editor stream write failed: %v", err)
			continue
		}
		if err := ow.out.WriteByte('\n'); err != nil {
			ow.log.Error("editor stream write failed: %v", err)
			continue
		}
		if err := ow.out.Flush(); err != nil {
			ow.log.Error("editor stream flush failed: %v", err)
		}
	}
}
