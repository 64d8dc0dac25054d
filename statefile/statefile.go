// Package statefile reads and writes the files aria2 keeps on disk: the
// .aria2 control file next to every unfinished download and the DHT routing
// table (dht.dat, dht6.dat). Decoding a file and encoding the result gives
// back the same bytes.
package statefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxField caps any length-prefixed field so a corrupt length cannot make
// the decoder allocate gigabytes.
const maxField = 64 << 20

var ErrCorrupt = errors.New("statefile: corrupt file")

// reader keeps the first error so fixed layouts decode without an error
// check per field.
type reader struct {
	r     io.Reader
	order binary.ByteOrder
	buf   [8]byte
	err   error
}

func (r *reader) read(n int) []byte {
	if r.err != nil {
		return r.buf[:n]
	}
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		r.err = err
	}
	return r.buf[:n]
}

func (r *reader) skip(n int) {
	if r.err != nil {
		return
	}
	if _, err := io.CopyN(io.Discard, r.r, int64(n)); err != nil {
		r.err = err
	}
}

func (r *reader) u8() uint8 { return r.read(1)[0] }

func (r *reader) u32() uint32 { return r.order.Uint32(r.read(4)) }

func (r *reader) u64() uint64 { return r.order.Uint64(r.read(8)) }

func (r *reader) bytes(n uint32) []byte {
	if r.err != nil {
		return nil
	}
	if n > maxField {
		r.err = fmt.Errorf("%w: field of %d bytes", ErrCorrupt, n)
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
	}
	return b
}

func (r *reader) fill(dst []byte) {
	if r.err != nil {
		return
	}
	if _, err := io.ReadFull(r.r, dst); err != nil {
		r.err = err
	}
}

// failed turns a short read into ErrCorrupt.
func (r *reader) failed(what string) error {
	if r.err == nil {
		return nil
	}
	if errors.Is(r.err, io.EOF) || errors.Is(r.err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s truncated", ErrCorrupt, what)
	}
	return fmt.Errorf("statefile: read %s: %w", what, r.err)
}

type writer struct {
	w     io.Writer
	order binary.ByteOrder
	buf   [8]byte
	err   error
}

func (w *writer) write(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

func (w *writer) zeros(n int) {
	w.write(make([]byte, n))
}

func (w *writer) u8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

func (w *writer) u16(v uint16) {
	w.order.PutUint16(w.buf[:2], v)
	w.write(w.buf[:2])
}

func (w *writer) u32(v uint32) {
	w.order.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

func (w *writer) u64(v uint64) {
	w.order.PutUint64(w.buf[:8], v)
	w.write(w.buf[:8])
}
