package monitor

import (
	"io"

	"github.com/xhd2015/dbgwatch/debug/common"
)

// ChunkSize is the most output requested from the engine per read
const ChunkSize = 1024

// OutputReader hands out buffered debuggee output
type OutputReader interface {
	ReadOutput(s common.Stream, max int) []byte
}

// Drain forwards everything buffered for the stream right now to w, in order, and returns without
// waiting for more. Output keeps being consumed after a write error so the engine buffer empties;
// the first error is returned.
func Drain(proc OutputReader, w io.Writer, stream common.Stream) (int, error) {
	var total int
	var firstErr error
	for {
		chunk := proc.ReadOutput(stream, ChunkSize)
		if len(chunk) == 0 {
			return total, firstErr
		}
		total += len(chunk)
		if _, err := w.Write(chunk); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}
