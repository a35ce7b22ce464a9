// Package persistence reads and writes collection archives.
//
// An archive is a single file: a fixed uncompressed header followed by
// a zstd-compressed body. The header carries a magic number, a format
// version and a CRC32 of the compressed body, so truncation and bit
// rot are detected before any state is replaced. A corrupt archive
// fails its own load and nothing else.
package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
)

const (
	// MagicNumber identifies archive files (ASCII "VZR1").
	MagicNumber = 0x565A5231
	// FormatVersion is the current archive format version.
	FormatVersion = 0x00010000

	// maxSliceLen bounds decoded slice lengths so a corrupt length
	// prefix cannot trigger a huge allocation before the checksum
	// check has a chance to fail.
	maxSliceLen = 1 << 28
)

var (
	ErrInvalidMagic   = errors.New("persistence: invalid magic number")
	ErrInvalidVersion = errors.New("persistence: unsupported format version")
)

// FileHeader is the fixed-size uncompressed prefix of every archive.
type FileHeader struct {
	Magic    uint32
	Version  uint32
	BodyLen  uint64
	Checksum uint32 // CRC32 (IEEE) of the compressed body
	Reserved [12]byte
}

// ChecksumMismatchError reports a body whose CRC32 does not match the
// header.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("persistence: checksum mismatch: expected 0x%08x, got 0x%08x", e.Expected, e.Actual)
}

// IsCorrupt reports whether err indicates a damaged archive rather
// than an I/O failure.
func IsCorrupt(err error) bool {
	var mismatch *ChecksumMismatchError
	return errors.As(err, &mismatch) ||
		errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrInvalidVersion) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func checksum(p []byte) uint32 { return crc32.ChecksumIEEE(p) }

// checksumWriter computes a running CRC32 of everything written
// through it.
type checksumWriter struct {
	w    io.Writer
	hash hash.Hash32
}

func newChecksumWriter(w io.Writer) *checksumWriter {
	return &checksumWriter{w: w, hash: crc32.New(crc32.MakeTable(crc32.IEEE))}
}

func (cw *checksumWriter) Write(p []byte) (int, error) {
	cw.hash.Write(p)
	return cw.w.Write(p)
}

func (cw *checksumWriter) Sum() uint32 { return cw.hash.Sum32() }

// encoder writes length-prefixed little-endian primitives.
type encoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

func newEncoder(w io.Writer) *encoder { return &encoder{w: w} }

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *encoder) Uint8(v uint8) {
	e.buf[0] = v
	e.write(e.buf[:1])
}

func (e *encoder) Uint32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *encoder) Uint64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

func (e *encoder) Int64(v int64) { e.Uint64(uint64(v)) }

func (e *encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

func (e *encoder) Bytes(p []byte) {
	e.Uint32(uint32(len(p)))
	e.write(p)
}

func (e *encoder) String(s string) { e.Bytes([]byte(s)) }

func (e *encoder) Float32Slice(vec []float32) {
	e.Uint32(uint32(len(vec)))
	if e.err != nil || len(vec) == 0 {
		return
	}
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	e.write(buf)
}

func (e *encoder) Uint32Slice(s []uint32) {
	e.Uint32(uint32(len(s)))
	if e.err != nil || len(s) == 0 {
		return
	}
	buf := make([]byte, len(s)*4)
	for i, v := range s {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	e.write(buf)
}

func (e *encoder) Err() error { return e.err }

// decoder is the reading counterpart of encoder. The first error
// sticks; every later call is a no-op returning zero values.
type decoder struct {
	r   io.Reader
	buf [8]byte
	err error
}

func newDecoder(r io.Reader) *decoder { return &decoder{r: r} }

func (d *decoder) read(p []byte) bool {
	if d.err != nil {
		return false
	}
	if _, err := io.ReadFull(d.r, p); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		return false
	}
	return true
}

func (d *decoder) Uint8() uint8 {
	if !d.read(d.buf[:1]) {
		return 0
	}
	return d.buf[0]
}

func (d *decoder) Uint32() uint32 {
	if !d.read(d.buf[:4]) {
		return 0
	}
	return binary.LittleEndian.Uint32(d.buf[:4])
}

func (d *decoder) Uint64() uint64 {
	if !d.read(d.buf[:8]) {
		return 0
	}
	return binary.LittleEndian.Uint64(d.buf[:8])
}

func (d *decoder) Int64() int64 { return int64(d.Uint64()) }

func (d *decoder) Bool() bool { return d.Uint8() != 0 }

func (d *decoder) sliceLen() int {
	n := d.Uint32()
	if d.err == nil && n > maxSliceLen {
		d.err = fmt.Errorf("persistence: slice length %d exceeds limit", n)
	}
	if d.err != nil {
		return 0
	}
	return int(n)
}

func (d *decoder) Bytes() []byte {
	n := d.sliceLen()
	if n == 0 {
		return nil
	}
	p := make([]byte, n)
	if !d.read(p) {
		return nil
	}
	return p
}

func (d *decoder) String() string { return string(d.Bytes()) }

func (d *decoder) Float32Slice() []float32 {
	n := d.sliceLen()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n*4)
	if !d.read(buf) {
		return nil
	}
	vec := make([]float32, n)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func (d *decoder) Uint32Slice() []uint32 {
	n := d.sliceLen()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n*4)
	if !d.read(buf) {
		return nil
	}
	s := make([]uint32, n)
	for i := range s {
		s[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return s
}

func (d *decoder) Err() error { return d.err }
