package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Index maps genomic positions in a normalized store to virtual offsets
// into its .bgzf payload.  It is the store's analogue of a .gbai index: a
// sparse, sorted list of (chromosome, position) -> voffset entries chosen
// so that consecutive entries are roughly a fixed number of compressed bytes
// apart.
//
// Every chromosome present in the store has an entry for its first record,
// and an entry is only ever placed on the first record at a given position,
// so seeking to an entry never skips an earlier record with the same
// position.
//
// On disk (.gwi) the index is gzip-compressed and consists of
//   1) the 16-byte magic "GWI1" followed by 12 fixed random bytes;
//   2) uint32 number of chromosomes, then for each a uint8 length and the
//      name bytes, in store order;
//   3) a sequence of entries, each little-endian {int32 chromosome
//      ordinal, uint32 position, uint64 voffset}, sorted by (ordinal,
//      position) and by voffset.
type Index struct {
	Chroms  []string
	Entries []IndexEntry

	ordinal map[string]int32
}

// IndexEntry is one entry of the index.
type IndexEntry struct {
	Chrom   int32
	Pos     uint32
	VOffset uint64
}

var gwiMagic = []byte{
	'G', 'W', 'I', '1', 0x6e, 0x2d, 0x93, 0x0a,
	0xc4, 0x5f, 0x17, 0xb8, 0x39, 0xe2, 0x51, 0x7c,
}

// DefaultIndexInterval is the target number of compressed bytes between
// consecutive index entries.
const DefaultIndexInterval = 64 << 10

// HasChrom reports whether the store holds any record on chrom.
func (idx *Index) HasChrom(chrom string) bool {
	_, ok := idx.ordinal[chrom]
	return ok
}

// Offset returns a voffset from which reading forward reaches every record
// on chrom at or after pos.  Records read from there may precede pos and
// must be skipped by the caller.  ok is false if chrom is not in the store.
func (idx *Index) Offset(chrom string, pos uint32) (voffset uint64, ok bool) {
	id, ok := idx.ordinal[chrom]
	if !ok {
		return 0, false
	}
	target := IndexEntry{Chrom: id, Pos: pos}
	x := sort.Search(len(idx.Entries), func(i int) bool {
		return compareEntry(&idx.Entries[i], &target) >= 0
	})
	if x == len(idx.Entries) || compareEntry(&idx.Entries[x], &target) > 0 {
		// Back up one entry, but never into the previous chromosome: the
		// chromosome's first entry is its first record.
		if x > 0 && idx.Entries[x-1].Chrom == id {
			x--
		}
	}
	return idx.Entries[x].VOffset, true
}

func (idx *Index) buildOrdinals() {
	idx.ordinal = make(map[string]int32, len(idx.Chroms))
	for i, c := range idx.Chroms {
		idx.ordinal[c] = int32(i)
	}
}

func compareEntry(x, y *IndexEntry) int {
	switch {
	case x.Chrom < y.Chrom:
		return -1
	case x.Chrom > y.Chrom:
		return 1
	case x.Pos < y.Pos:
		return -1
	case x.Pos > y.Pos:
		return 1
	}
	return 0
}

// indexBuilder accumulates entries while a store is written.
type indexBuilder struct {
	idx       Index
	interval  uint64
	lastCOff  uint64
	lastPos   uint32
	haveChrom bool
}

func newIndexBuilder(interval int) *indexBuilder {
	b := &indexBuilder{interval: uint64(interval)}
	b.idx.ordinal = map[string]int32{}
	return b
}

// add is called for every record, in store order, with the record's voffset.
func (b *indexBuilder) add(chrom string, pos uint32, voffset uint64) error {
	coff := voffset >> 16
	n := len(b.idx.Chroms)
	if n == 0 || b.idx.Chroms[n-1] != chrom {
		if _, ok := b.idx.ordinal[chrom]; ok {
			return fmt.Errorf("store: chromosome %s is not contiguous", chrom)
		}
		if len(chrom) > 255 {
			return fmt.Errorf("store: chromosome name too long: %q", chrom)
		}
		b.idx.ordinal[chrom] = int32(n)
		b.idx.Chroms = append(b.idx.Chroms, chrom)
		b.idx.Entries = append(b.idx.Entries, IndexEntry{Chrom: int32(n), Pos: pos, VOffset: voffset})
		b.lastCOff, b.lastPos = coff, pos
		return nil
	}
	if pos < b.lastPos {
		return fmt.Errorf("store: %s:%d follows %s:%d", chrom, pos, chrom, b.lastPos)
	}
	if pos != b.lastPos && coff-b.lastCOff >= b.interval {
		b.idx.Entries = append(b.idx.Entries, IndexEntry{Chrom: int32(n - 1), Pos: pos, VOffset: voffset})
		b.lastCOff = coff
	}
	b.lastPos = pos
	return nil
}

// WriteIndex serializes idx in .gwi format.
func WriteIndex(w io.Writer, idx *Index) error {
	gz := gzip.NewWriter(w)
	if _, err := gz.Write(gwiMagic); err != nil {
		return errors.Wrap(err, "write gwi header")
	}
	if err := binary.Write(gz, binary.LittleEndian, uint32(len(idx.Chroms))); err != nil {
		return errors.Wrap(err, "write gwi chromosome count")
	}
	for _, c := range idx.Chroms {
		if _, err := gz.Write(append([]byte{byte(len(c))}, c...)); err != nil {
			return errors.Wrapf(err, "write gwi chromosome %s", c)
		}
	}
	for i := range idx.Entries {
		if err := binary.Write(gz, binary.LittleEndian, &idx.Entries[i]); err != nil {
			return errors.Wrap(err, "write gwi entry")
		}
	}
	return gz.Close()
}

// ReadIndex parses a .gwi index and checks its ordering.
func ReadIndex(r io.Reader) (idx *Index, err error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "open gwi")
	}
	defer func() {
		if cerr := gz.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	buf := make([]byte, len(gwiMagic))
	if _, err = io.ReadFull(gz, buf); err != nil {
		return nil, errors.Wrap(err, "read gwi header")
	}
	if !bytes.Equal(gwiMagic, buf) {
		return nil, fmt.Errorf("unexpected gwi magic: %v should be %v", buf, gwiMagic)
	}
	var nChrom uint32
	if err = binary.Read(gz, binary.LittleEndian, &nChrom); err != nil {
		return nil, errors.Wrap(err, "read gwi chromosome count")
	}
	idx = &Index{Chroms: make([]string, 0, nChrom)}
	var lenBuf [1]byte
	for i := uint32(0); i < nChrom; i++ {
		if _, err = io.ReadFull(gz, lenBuf[:]); err != nil {
			return nil, errors.Wrap(err, "read gwi chromosome name")
		}
		name := make([]byte, lenBuf[0])
		if _, err = io.ReadFull(gz, name); err != nil {
			return nil, errors.Wrap(err, "read gwi chromosome name")
		}
		idx.Chroms = append(idx.Chroms, string(name))
	}
	for i := 0; ; i++ {
		var e IndexEntry
		if err = binary.Read(gz, binary.LittleEndian, &e); err == io.EOF {
			err = nil
			break
		} else if err != nil {
			return nil, errors.Wrap(err, "read gwi entry")
		}
		if e.Chrom < 0 || int(e.Chrom) >= len(idx.Chroms) {
			return nil, fmt.Errorf("gwi entry %d: chromosome ordinal %d out of range", i, e.Chrom)
		}
		if i > 0 {
			prev := &idx.Entries[i-1]
			if compareEntry(prev, &e) >= 0 {
				return nil, fmt.Errorf("gwi positions are out of order: %v must be less than %v", *prev, e)
			}
			if prev.VOffset >= e.VOffset {
				return nil, fmt.Errorf("gwi voffsets are out of order: %v must be less than %v", *prev, e)
			}
		}
		idx.Entries = append(idx.Entries, e)
	}
	idx.buildOrdinals()
	for id := range idx.Chroms {
		if !hasFirstEntry(idx, int32(id)) {
			return nil, fmt.Errorf("gwi: no entry for chromosome %s", idx.Chroms[id])
		}
	}
	return idx, nil
}

func hasFirstEntry(idx *Index, id int32) bool {
	x := sort.Search(len(idx.Entries), func(i int) bool { return idx.Entries[i].Chrom >= id })
	return x < len(idx.Entries) && idx.Entries[x].Chrom == id
}
