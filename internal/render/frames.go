package render

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gravtree/internal/sim"
)

// BufferSize is the number of encoded frames queued for the disk writer.
const BufferSize = 16

// encodedFrame is one PNG waiting to be written.
type encodedFrame struct {
	frame uint64
	data  []byte
}

// FrameRingBuffer is a single-producer single-consumer queue of encoded
// frames. A full buffer drops the new frame instead of blocking the renderer.
type FrameRingBuffer struct {
	frames   [BufferSize]encodedFrame
	readIdx  uint32 // atomic - consumer index
	writeIdx uint32 // atomic - producer index

	framesWritten uint64
	framesDropped uint64
	framesRead    uint64
}

// TryWrite queues a frame. Returns false if the buffer is full.
func (rb *FrameRingBuffer) TryWrite(frame uint64, data []byte) bool {
	currentWrite := atomic.LoadUint32(&rb.writeIdx)
	nextWrite := (currentWrite + 1) % BufferSize

	if nextWrite == atomic.LoadUint32(&rb.readIdx) {
		atomic.AddUint64(&rb.framesDropped, 1)
		return false
	}

	slot := &rb.frames[currentWrite]
	slot.frame = frame
	slot.data = append(slot.data[:0], data...)

	atomic.StoreUint32(&rb.writeIdx, nextWrite)
	atomic.AddUint64(&rb.framesWritten, 1)
	return true
}

// tryRead passes the oldest frame to fn and then releases its slot.
func (rb *FrameRingBuffer) tryRead(fn func(encodedFrame)) bool {
	readIdx := atomic.LoadUint32(&rb.readIdx)
	if readIdx == atomic.LoadUint32(&rb.writeIdx) {
		return false
	}

	fn(rb.frames[readIdx])

	atomic.StoreUint32(&rb.readIdx, (readIdx+1)%BufferSize)
	atomic.AddUint64(&rb.framesRead, 1)
	return true
}

// Available returns the number of frames waiting to be read.
func (rb *FrameRingBuffer) Available() int {
	readIdx := atomic.LoadUint32(&rb.readIdx)
	writeIdx := atomic.LoadUint32(&rb.writeIdx)
	return int((writeIdx + BufferSize - readIdx) % BufferSize)
}

// GetStats returns buffer statistics.
func (rb *FrameRingBuffer) GetStats() (written, dropped, read uint64) {
	return atomic.LoadUint64(&rb.framesWritten),
		atomic.LoadUint64(&rb.framesDropped),
		atomic.LoadUint64(&rb.framesRead)
}

// FrameWriter saves rendered snapshots as numbered PNG files.
//
// WriteFrame is synchronous. After Start, Submit renders on the caller's
// goroutine and hands the encoded PNG to a background disk writer.
type FrameWriter struct {
	dir      string
	renderer *Renderer
	ring     FrameRingBuffer
	encBuf   bytes.Buffer

	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  int32 // atomic

	filesWritten uint64 // atomic
	writeErrors  uint64 // atomic
}

// NewFrameWriter creates dir if needed.
func NewFrameWriter(dir string, renderer *Renderer) (*FrameWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	return &FrameWriter{
		dir:      dir,
		renderer: renderer,
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}, nil
}

// FramePath returns the file name used for a frame number.
func (fw *FrameWriter) FramePath(frame uint64) string {
	return filepath.Join(fw.dir, fmt.Sprintf("frame_%06d.png", frame))
}

// WriteFrame renders snap and writes it to disk before returning.
func (fw *FrameWriter) WriteFrame(snap *sim.Snapshot) (string, error) {
	fw.encBuf.Reset()
	if err := fw.renderer.EncodePNG(&fw.encBuf, snap); err != nil {
		return "", err
	}
	path := fw.FramePath(snap.Frame)
	if err := fw.writeFile(path, fw.encBuf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

// Start launches the background disk writer used by Submit.
func (fw *FrameWriter) Start() {
	if !atomic.CompareAndSwapInt32(&fw.running, 0, 1) {
		return
	}
	fw.wg.Add(1)
	go fw.writeLoop()
}

// Submit renders snap and queues it for the disk writer. Returns false if
// the frame was dropped because the writer is behind or not running.
func (fw *FrameWriter) Submit(snap *sim.Snapshot) (bool, error) {
	if atomic.LoadInt32(&fw.running) == 0 {
		return false, nil
	}

	fw.encBuf.Reset()
	if err := fw.renderer.EncodePNG(&fw.encBuf, snap); err != nil {
		return false, err
	}
	if !fw.ring.TryWrite(snap.Frame, fw.encBuf.Bytes()) {
		return false, nil
	}

	select {
	case fw.wake <- struct{}{}:
	default:
	}
	return true, nil
}

// Stop flushes queued frames and stops the disk writer.
func (fw *FrameWriter) Stop() {
	if !atomic.CompareAndSwapInt32(&fw.running, 1, 0) {
		return
	}
	close(fw.stopChan)
	fw.wg.Wait()

	written, dropped, _ := fw.ring.GetStats()
	log.Printf("🖼️ Frame writer stopped: %d files, %d queued, %d dropped, %d errors",
		atomic.LoadUint64(&fw.filesWritten), written, dropped, atomic.LoadUint64(&fw.writeErrors))
}

// GetStats returns frame writer statistics
func (fw *FrameWriter) GetStats() map[string]any {
	written, dropped, read := fw.ring.GetStats()
	return map[string]any{
		"files":   atomic.LoadUint64(&fw.filesWritten),
		"errors":  atomic.LoadUint64(&fw.writeErrors),
		"queued":  written,
		"dropped": dropped,
		"flushed": read,
		"pending": fw.ring.Available(),
	}
}

func (fw *FrameWriter) writeLoop() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.stopChan:
			fw.drain()
			return
		case <-fw.wake:
			fw.drain()
		}
	}
}

func (fw *FrameWriter) drain() {
	for fw.ring.tryRead(func(f encodedFrame) {
		if err := fw.writeFile(fw.FramePath(f.frame), f.data); err != nil {
			log.Printf("⚠️ %v", err)
		}
	}) {
	}
}

func (fw *FrameWriter) writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		atomic.AddUint64(&fw.writeErrors, 1)
		return fmt.Errorf("write frame %s: %w", path, err)
	}
	atomic.AddUint64(&fw.filesWritten, 1)
	return nil
}
