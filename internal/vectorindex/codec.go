package vectorindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

var flatMagic = [4]byte{'F', 'S', 'I', 'X'}

const flatVersion uint32 = 1

// Save serializes the index.
//
// Format:
//
//	[4B magic "FSIX"] [4B version] [4B dim] [4B rows] [4B live]
//	[ceil(rows/8) bytes tombstone bitmap, LSB first]
//	[rows × dim × 4B float32 data, tombstoned rows included]
//
// All integers and floats are little-endian.
func (f *FlatL2) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian

	if _, err := bw.Write(flatMagic[:]); err != nil {
		return fmt.Errorf("vectorindex: save magic: %w", err)
	}
	for _, v := range []uint32{flatVersion, uint32(f.dim), uint32(len(f.removed)), uint32(f.live)} {
		if err := binary.Write(bw, le, v); err != nil {
			return fmt.Errorf("vectorindex: save header: %w", err)
		}
	}

	bitmap := make([]byte, (len(f.removed)+7)/8)
	for r, gone := range f.removed {
		if gone {
			bitmap[r/8] |= 1 << (r % 8)
		}
	}
	if _, err := bw.Write(bitmap); err != nil {
		return fmt.Errorf("vectorindex: save tombstones: %w", err)
	}

	var buf [4]byte
	for _, v := range f.data {
		le.PutUint32(buf[:], math.Float32bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return fmt.Errorf("vectorindex: save data: %w", err)
		}
	}
	return bw.Flush()
}

// Load reads a snapshot written by Save.
func Load(r io.Reader) (*FlatL2, error) {
	br := bufio.NewReader(r)
	le := binary.LittleEndian

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("vectorindex: load magic: %w", err)
	}
	if magic != flatMagic {
		return nil, ErrBadFormat
	}

	var header [4]uint32
	for i := range header {
		if err := binary.Read(br, le, &header[i]); err != nil {
			return nil, fmt.Errorf("vectorindex: load header: %w", err)
		}
	}
	version, dim, rows, live := header[0], int(header[1]), int(header[2]), int(header[3])
	if version != flatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	bitmap := make([]byte, (rows+7)/8)
	if _, err := io.ReadFull(br, bitmap); err != nil {
		return nil, fmt.Errorf("vectorindex: load tombstones: %w", err)
	}

	f := &FlatL2{
		dim:     dim,
		data:    make([]float32, rows*dim),
		removed: make([]bool, rows),
	}
	for r := 0; r < rows; r++ {
		f.removed[r] = bitmap[r/8]&(1<<(r%8)) != 0
		if !f.removed[r] {
			f.live++
		}
	}
	if f.live != live {
		return nil, fmt.Errorf("%w: live count %d does not match tombstones (%d)", ErrBadFormat, live, f.live)
	}

	var buf [4]byte
	for i := range f.data {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, fmt.Errorf("vectorindex: load data: %w", err)
		}
		f.data[i] = math.Float32frombits(le.Uint32(buf[:]))
	}
	return f, nil
}
