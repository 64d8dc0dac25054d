package statefile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"
)

var dhtMagic = [2]byte{0xa1, 0xa2}

const (
	dhtFormat = 0x02

	compactIPv4 = 6
	compactIPv6 = 18
	// compact peer info is padded to this many bytes
	compactSlot = 24
)

// DHTFile is the routing table aria2 saves to dht.dat or dht6.dat. All
// integers are big-endian.
type DHTFile struct {
	Version     [2]byte
	MTime       uint64
	LocalNodeID [20]byte
	Nodes       []Node
}

// Node is one saved routing table entry.
type Node struct {
	Addr netip.AddrPort
	ID   [20]byte
}

// ModTime is MTime as a time.
func (d *DHTFile) ModTime() time.Time {
	return time.Unix(int64(d.MTime), 0)
}

func DecodeDHTFile(src io.Reader) (*DHTFile, error) {
	r := &reader{r: src, order: binary.BigEndian}
	var magic [2]byte
	r.fill(magic[:])
	format := r.u8()
	if err := r.failed("dht header"); err != nil {
		return nil, err
	}
	if magic != dhtMagic {
		return nil, fmt.Errorf("%w: bad magic %x", ErrCorrupt, magic)
	}
	if format != dhtFormat {
		return nil, fmt.Errorf("%w: unknown format %#x", ErrCorrupt, format)
	}
	d := &DHTFile{}
	r.fill(d.Version[:])
	r.skip(3)
	d.MTime = r.u64()
	r.skip(8)
	r.fill(d.LocalNodeID[:])
	r.skip(4)
	n := r.u32()
	r.skip(4)
	if err := r.failed("dht header"); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		node, err := decodeNode(r)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		d.Nodes = append(d.Nodes, node)
	}
	return d, nil
}

func decodeNode(r *reader) (Node, error) {
	var node Node
	plen := int(r.u8())
	r.skip(7)
	if err := r.failed("node"); err != nil {
		return node, err
	}
	if plen != compactIPv4 && plen != compactIPv6 {
		return node, fmt.Errorf("%w: compact peer info of %d bytes", ErrCorrupt, plen)
	}
	compact := make([]byte, plen)
	r.fill(compact)
	r.skip(compactSlot - plen)
	r.fill(node.ID[:])
	r.skip(4)
	if err := r.failed("node"); err != nil {
		return node, err
	}
	addr, _ := netip.AddrFromSlice(compact[:plen-2])
	node.Addr = netip.AddrPortFrom(addr, binary.BigEndian.Uint16(compact[plen-2:]))
	return node, nil
}

func (d *DHTFile) Encode(dst io.Writer) error {
	w := &writer{w: dst, order: binary.BigEndian}
	w.write(dhtMagic[:])
	w.u8(dhtFormat)
	w.write(d.Version[:])
	w.zeros(3)
	w.u64(d.MTime)
	w.zeros(8)
	w.write(d.LocalNodeID[:])
	w.zeros(4)
	w.u32(uint32(len(d.Nodes)))
	w.zeros(4)
	for i, node := range d.Nodes {
		if !node.Addr.IsValid() {
			return fmt.Errorf("statefile: node %d has no address", i)
		}
		ip := node.Addr.Addr().AsSlice()
		plen := len(ip) + 2
		w.u8(uint8(plen))
		w.zeros(7)
		w.write(ip)
		w.u16(node.Addr.Port())
		w.zeros(compactSlot - plen)
		w.write(node.ID[:])
		w.zeros(4)
	}
	return w.err
}

func ReadDHTFile(path string) (*DHTFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeDHTFile(bufio.NewReader(f))
}

func WriteDHTFile(path string, d *DHTFile) error {
	return writeFile(path, d.Encode)
}
