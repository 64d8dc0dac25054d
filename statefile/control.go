package statefile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// ControlFile is the content of a .aria2 control file. Version 1 files store
// every field big-endian; version 0 files use little-endian after the
// big-endian version number.
type ControlFile struct {
	Version      uint16
	Ext          [4]byte
	InfoHash     []byte
	PieceLength  uint32
	TotalLength  uint64
	UploadLength uint64
	Bitfield     []byte
	InFlight     []InFlightPiece
}

// InFlightPiece is a piece that was partially downloaded.
type InFlightPiece struct {
	Index    uint32
	Length   uint32
	Bitfield []byte
}

// InfoHashCheck reports whether the infoHashCheck extension is enabled,
// which requires a non-empty info hash.
func (c *ControlFile) InfoHashCheck() bool {
	return c.Ext[3]&1 == 1
}

func (c *ControlFile) byteOrder() binary.ByteOrder {
	return controlOrder(c.Version)
}

func controlOrder(version uint16) binary.ByteOrder {
	if version == 1 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func DecodeControlFile(src io.Reader) (*ControlFile, error) {
	r := &reader{r: src, order: binary.BigEndian}
	c := &ControlFile{}
	c.Version = binary.BigEndian.Uint16(r.read(2))
	r.order = controlOrder(c.Version)
	r.fill(c.Ext[:])
	hashLen := r.u32()
	if r.err == nil && hashLen == 0 && c.InfoHashCheck() {
		return nil, fmt.Errorf("%w: infoHashCheck is enabled but the info hash is empty", ErrCorrupt)
	}
	c.InfoHash = r.bytes(hashLen)
	c.PieceLength = r.u32()
	c.TotalLength = r.u64()
	c.UploadLength = r.u64()
	c.Bitfield = r.bytes(r.u32())
	n := r.u32()
	if err := r.failed("control file header"); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		var p InFlightPiece
		p.Index = r.u32()
		p.Length = r.u32()
		p.Bitfield = r.bytes(r.u32())
		if err := r.failed(fmt.Sprintf("in-flight piece %d", i)); err != nil {
			return nil, err
		}
		c.InFlight = append(c.InFlight, p)
	}
	return c, nil
}

func (c *ControlFile) Encode(dst io.Writer) error {
	w := &writer{w: dst, order: binary.BigEndian}
	w.u16(c.Version)
	w.order = c.byteOrder()
	w.write(c.Ext[:])
	w.u32(uint32(len(c.InfoHash)))
	w.write(c.InfoHash)
	w.u32(c.PieceLength)
	w.u64(c.TotalLength)
	w.u64(c.UploadLength)
	w.u32(uint32(len(c.Bitfield)))
	w.write(c.Bitfield)
	w.u32(uint32(len(c.InFlight)))
	for _, p := range c.InFlight {
		w.u32(p.Index)
		w.u32(p.Length)
		w.u32(uint32(len(p.Bitfield)))
		w.write(p.Bitfield)
	}
	return w.err
}

func ReadControlFile(path string) (*ControlFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeControlFile(bufio.NewReader(f))
}

// WriteControlFile replaces path with c.
func WriteControlFile(path string, c *ControlFile) error {
	return writeFile(path, c.Encode)
}

func writeFile(path string, encode func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := encode(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
