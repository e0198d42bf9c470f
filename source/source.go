// Package source turns push-style inputs into the line stream the decoder
// reads.
package source

import (
	"context"
	"errors"
	"io"
)

// EmitFunc receives one protocol line.
type EmitFunc func(line []byte) error

// RunFunc pushes lines into emit until the input ends or ctx is done.
type RunFunc func(ctx context.Context, emit EmitFunc) error

// Pipe runs run in the background and exposes its lines as a reader. A run
// that stops because ctx was cancelled ends the stream cleanly, so the engine
// still drains what it buffered.
func Pipe(ctx context.Context, run RunFunc) io.ReadCloser {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		err := run(ctx, func(line []byte) error {
			if n := len(line); n == 0 || line[n-1] != '\n' {
				line = append(line[:n:n], '\n')
			}
			_, err := pw.Write(line)
			return err
		})
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		pw.CloseWithError(err)
	}()
	return &pipeReader{PipeReader: pr, cancel: cancel}
}

type pipeReader struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (p *pipeReader) Close() error {
	p.cancel()
	return p.PipeReader.Close()
}
