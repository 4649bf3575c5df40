// Package diag is an optional, purely-additive flight recorder: it tees
// every captured slot's sliced-line headers to a Parquet file (the
// teacher's parquet_writer.go schema/writer shape, repointed at VBI line
// metadata instead of I/Q samples) and, when raw services are active,
// LZ4-compresses the accompanying raw-sample sidecar the same way the
// teacher's compression path wraps an io.Writer.
//
// This holds no session state and is never consulted by the core: a slot
// still gets its lines/raw bytes whether or not a recorder is attached.
// Enabling it cannot change forwarding behavior, matching spec.md §6.6's
// "no persisted state" non-goal — this is a diagnostic tee, reconstructed
// from nothing at every startup.
package diag

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/segmentio/parquet-go"

	"github.com/ocupoint/vbiproxyd/internal/pool"
)

// LineRecord is one recorded sliced line, the Parquet row schema.
type LineRecord struct {
	Timestamp   float64 `parquet:"timestamp"`
	Line        uint32  `parquet:"line"`
	ServiceMask uint32  `parquet:"service_mask"`
	PayloadLen  int32   `parquet:"payload_len"`
}

// Recorder tees slots to a Parquet file plus an LZ4-compressed raw sidecar.
// One Recorder per device; Close must be called to flush the Parquet
// footer and the LZ4 frame trailer.
type Recorder struct {
	headerFile io.Closer
	headers    *parquet.GenericWriter[LineRecord]

	rawFile io.Closer
	rawLZ4  *lz4.Writer
}

// Open creates (or truncates) headerPath and, if rawPath is non-empty,
// rawPath, and returns a Recorder writing to both.
func Open(headerPath, rawPath string) (*Recorder, error) {
	hf, err := os.Create(headerPath)
	if err != nil {
		return nil, fmt.Errorf("diag: create %s: %w", headerPath, err)
	}
	r := &Recorder{
		headerFile: hf,
		headers: parquet.NewGenericWriter[LineRecord](hf,
			parquet.KeyValueMetadata("recorded_at", time.Now().UTC().Format(time.RFC3339))),
	}
	if rawPath != "" {
		rf, err := os.Create(rawPath)
		if err != nil {
			hf.Close()
			return nil, fmt.Errorf("diag: create %s: %w", rawPath, err)
		}
		r.rawFile = rf
		r.rawLZ4 = lz4.NewWriter(rf)
	}
	return r, nil
}

// Write records one captured slot: a LineRecord per sliced line, plus the
// raw-sample buffer (if present and a raw sidecar was configured) through
// the LZ4 writer.
func (r *Recorder) Write(slot *pool.Slot) error {
	rows := make([]LineRecord, slot.LineCount)
	for i := 0; i < slot.LineCount; i++ {
		l := slot.Lines[i]
		rows[i] = LineRecord{
			Timestamp:   slot.Timestamp,
			Line:        l.Line,
			ServiceMask: l.ServiceMask,
			PayloadLen:  int32(len(l.Payload)),
		}
	}
	if _, err := r.headers.Write(rows); err != nil {
		return fmt.Errorf("diag: write headers: %w", err)
	}
	if r.rawLZ4 != nil && len(slot.Raw) > 0 {
		if _, err := r.rawLZ4.Write(slot.Raw); err != nil {
			return fmt.Errorf("diag: write raw sidecar: %w", err)
		}
	}
	return nil
}

// Close flushes and closes both files.
func (r *Recorder) Close() error {
	err := r.headers.Close()
	if cerr := r.headerFile.Close(); err == nil {
		err = cerr
	}
	if r.rawLZ4 != nil {
		if lerr := r.rawLZ4.Close(); err == nil {
			err = lerr
		}
		if ferr := r.rawFile.Close(); err == nil {
			err = ferr
		}
	}
	return err
}
