// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package pipe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrConsumed is returned by a terminal operation on a Pipe that has
// already been consumed or closed.
var ErrConsumed = errors.New("pipe already consumed")

// wakeupByte is the single byte Wakeup writes.
var wakeupByte = []byte{'x'}

// Pipe owns the two ends of an OS pipe.
type Pipe struct {
	mu       sync.Mutex
	reader   *os.File
	writer   *os.File
	consumed bool
}

// New creates a pipe. Both descriptors are close-on-exec; os/exec
// duplicates the end it is given into the child without the flag.
func New() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating pipe: %w", err)
	}
	return &Pipe{
		reader: os.NewFile(uintptr(fds[0]), "pipe-reader"),
		writer: os.NewFile(uintptr(fds[1]), "pipe-writer"),
	}, nil
}

// Reader returns the read end. The Pipe keeps ownership; do not close
// the returned file.
func (p *Pipe) Reader() *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reader
}

// Writer returns the write end. The Pipe keeps ownership; do not close
// the returned file.
func (p *Pipe) Writer() *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer
}

// consume marks the pipe consumed and hands both ends to the caller.
func (p *Pipe) consume() (reader, writer *os.File, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return nil, nil, ErrConsumed
	}
	p.consumed = true
	reader, writer = p.reader, p.writer
	p.reader, p.writer = nil, nil
	return reader, writer, nil
}

// Read closes the write end, then reads the read end until
// end-of-stream. Both descriptors are released when Read returns.
func (p *Pipe) Read() ([]byte, error) {
	reader, writer, err := p.consume()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing pipe writer: %w", err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading pipe: %w", err)
	}
	return data, nil
}

// Wakeup closes the read end, then writes a single byte to the write
// end. Both descriptors are released when Wakeup returns.
func (p *Pipe) Wakeup() error {
	reader, writer, err := p.consume()
	if err != nil {
		return err
	}
	defer writer.Close()

	if err := reader.Close(); err != nil {
		return fmt.Errorf("closing pipe reader: %w", err)
	}
	if _, err := writer.Write(wakeupByte); err != nil {
		return fmt.Errorf("writing wakeup byte: %w", err)
	}
	return nil
}

// PendingRead is a drain in progress, started by StartRead.
type PendingRead struct {
	writer *os.File
	done   chan struct{}
	data   bytes.Buffer
	err    error
	once   sync.Once
}

// StartRead consumes the pipe and starts copying the read end into
// memory on a new goroutine. The write end stays open until Finish so
// it can still be attached to a child; the returned PendingRead owns
// both descriptors.
func (p *Pipe) StartRead() (*PendingRead, error) {
	reader, writer, err := p.consume()
	if err != nil {
		return nil, err
	}
	pending := &PendingRead{
		writer: writer,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(pending.done)
		defer reader.Close()
		if _, err := pending.data.ReadFrom(reader); err != nil {
			pending.err = fmt.Errorf("reading pipe: %w", err)
		}
	}()
	return pending, nil
}

// Finish closes the write end and waits for the drain to reach
// end-of-stream. Any other holder of the write end (a child that is
// still running, or one of its descendants) keeps Finish waiting.
// Calling Finish more than once returns the same result.
func (r *PendingRead) Finish() ([]byte, error) {
	var closeErr error
	r.once.Do(func() {
		closeErr = r.writer.Close()
	})
	<-r.done
	if r.err != nil {
		return nil, r.err
	}
	if closeErr != nil {
		return nil, fmt.Errorf("closing pipe writer: %w", closeErr)
	}
	return r.data.Bytes(), nil
}

// Close releases any descriptors the pipe still owns and marks it
// consumed. It is safe to call at any time and more than once.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumed = true

	var errs []error
	if p.reader != nil {
		errs = append(errs, p.reader.Close())
		p.reader = nil
	}
	if p.writer != nil {
		errs = append(errs, p.writer.Close())
		p.writer = nil
	}
	return errors.Join(errs...)
}
