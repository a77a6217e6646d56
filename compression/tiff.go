package compression

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/mesolab/mesovr/errors"
)

// Tag IDs for the subset of baseline TIFF the mesoscope writes: uncompressed
// grayscale pages, one or more strips per page.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagImageDesc       = 270
	tagStripOffsets    = 273
	tagStripByteCounts = 279
)

const (
	typeShort = 3
	typeLong  = 4
	typeASCII = 2
)

// page describes one directory of a multi-page TIFF.
type page struct {
	width, height uint32
	bitsPerSample uint32
	offsets       []uint32
	byteCounts    []uint32
	description   string
}

// byteLen returns the expected pixel payload size of the page.
func (p *page) byteLen() int {
	total := 0
	for _, c := range p.byteCounts {
		total += int(c)
	}
	return total
}

type tiffFile struct {
	f     *os.File
	order binary.ByteOrder
	pages []page
}

// openTIFF parses the directory chain of a TIFF file without reading pixel
// data. Anything that is not a well-formed uncompressed multi-page TIFF is
// reported as a skippable non-stack.
func openTIFF(path string) (*tiffFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "compression", "openTIFF", "opening file")
	}

	t := &tiffFile{f: f}
	if err := t.parse(); err != nil {
		f.Close()
		return nil, errors.WrapSkip(
			fmt.Errorf("%s: %v: %w", path, err, errors.ErrNotStack),
			"compression", "openTIFF", "probing stack")
	}
	return t, nil
}

func (t *tiffFile) Close() error { return t.f.Close() }

func (t *tiffFile) parse() error {
	var header [8]byte
	if _, err := io.ReadFull(t.f, header[:]); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	switch {
	case header[0] == 'I' && header[1] == 'I':
		t.order = binary.LittleEndian
	case header[0] == 'M' && header[1] == 'M':
		t.order = binary.BigEndian
	default:
		return fmt.Errorf("not a TIFF byte-order mark")
	}
	if t.order.Uint16(header[2:4]) != 42 {
		return fmt.Errorf("bad TIFF magic")
	}

	offset := t.order.Uint32(header[4:8])
	for offset != 0 {
		p, next, err := t.readIFD(offset)
		if err != nil {
			return err
		}
		t.pages = append(t.pages, p)
		offset = next
	}
	if len(t.pages) == 0 {
		return fmt.Errorf("no directories")
	}
	return nil
}

func (t *tiffFile) readIFD(offset uint32) (page, uint32, error) {
	var p page
	var countBuf [2]byte
	if _, err := t.f.ReadAt(countBuf[:], int64(offset)); err != nil {
		return p, 0, fmt.Errorf("reading IFD entry count: %w", err)
	}
	count := int(t.order.Uint16(countBuf[:]))

	entries := make([]byte, count*12)
	if _, err := t.f.ReadAt(entries, int64(offset)+2); err != nil {
		return p, 0, fmt.Errorf("reading IFD entries: %w", err)
	}

	for i := 0; i < count; i++ {
		e := entries[i*12 : (i+1)*12]
		tag := t.order.Uint16(e[0:2])
		typ := t.order.Uint16(e[2:4])
		num := t.order.Uint32(e[4:8])

		switch tag {
		case tagImageWidth:
			p.width = t.entryValue(typ, e[8:12])
		case tagImageLength:
			p.height = t.entryValue(typ, e[8:12])
		case tagBitsPerSample:
			p.bitsPerSample = t.entryValue(typ, e[8:12])
		case tagCompression:
			if t.entryValue(typ, e[8:12]) != 1 {
				return p, 0, fmt.Errorf("compressed pages are not supported")
			}
		case tagImageDesc:
			desc, err := t.readASCII(typ, num, e[8:12])
			if err != nil {
				return p, 0, err
			}
			p.description = desc
		case tagStripOffsets:
			vals, err := t.readValues(typ, num, e[8:12])
			if err != nil {
				return p, 0, err
			}
			p.offsets = vals
		case tagStripByteCounts:
			vals, err := t.readValues(typ, num, e[8:12])
			if err != nil {
				return p, 0, err
			}
			p.byteCounts = vals
		}
	}

	if p.width == 0 || p.height == 0 || len(p.offsets) == 0 || len(p.offsets) != len(p.byteCounts) {
		return p, 0, fmt.Errorf("incomplete page geometry")
	}

	nextBuf := make([]byte, 4)
	if _, err := t.f.ReadAt(nextBuf, int64(offset)+2+int64(count)*12); err != nil {
		return p, 0, fmt.Errorf("reading next IFD offset: %w", err)
	}
	return p, t.order.Uint32(nextBuf), nil
}

// entryValue decodes a single inline SHORT or LONG value.
func (t *tiffFile) entryValue(typ uint16, raw []byte) uint32 {
	if typ == typeShort {
		return uint32(t.order.Uint16(raw[0:2]))
	}
	return t.order.Uint32(raw)
}

// readValues decodes an array of SHORT or LONG values, inline when they fit
// in the 4-byte value field, otherwise at the referenced offset.
func (t *tiffFile) readValues(typ uint16, num uint32, raw []byte) ([]uint32, error) {
	size := 4
	if typ == typeShort {
		size = 2
	} else if typ != typeLong {
		return nil, fmt.Errorf("unexpected value type %d", typ)
	}

	data := raw
	if int(num)*size > 4 {
		data = make([]byte, int(num)*size)
		if _, err := t.f.ReadAt(data, int64(t.order.Uint32(raw))); err != nil {
			return nil, fmt.Errorf("reading value array: %w", err)
		}
	}

	vals := make([]uint32, num)
	for i := range vals {
		if typ == typeShort {
			vals[i] = uint32(t.order.Uint16(data[i*2 : i*2+2]))
		} else {
			vals[i] = t.order.Uint32(data[i*4 : i*4+4])
		}
	}
	return vals, nil
}

func (t *tiffFile) readASCII(typ uint16, num uint32, raw []byte) (string, error) {
	if typ != typeASCII {
		return "", fmt.Errorf("unexpected description type %d", typ)
	}
	data := raw[:min(int(num), 4)]
	if num > 4 {
		data = make([]byte, num)
		if _, err := t.f.ReadAt(data, int64(t.order.Uint32(raw))); err != nil {
			return "", fmt.Errorf("reading description: %w", err)
		}
	}
	// Strip the trailing NUL terminator.
	for len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return string(data), nil
}

// readPage returns the concatenated strip payload of one page.
func (t *tiffFile) readPage(index int) ([]byte, error) {
	p := &t.pages[index]
	out := make([]byte, 0, p.byteLen())
	for i, off := range p.offsets {
		strip := make([]byte, p.byteCounts[i])
		if _, err := t.f.ReadAt(strip, int64(off)); err != nil {
			return nil, errors.Wrap(fmt.Errorf("page %d strip %d: %w", index, i, err),
				"compression", "readPage", "reading strip")
		}
		out = append(out, strip...)
	}
	return out, nil
}
