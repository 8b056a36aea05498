// Package hgbundle decodes an uncompressed HG20 bundle-v2 stream: its
// prelude, and its three sequential sections (changesets, manifests,
// filelogs), each a sequence of groups of delta records.
//
// Grounded on _examples/original_source/swh/loader/mercurial/bundle20_loader.py's
// HgBundle20Loader section/group iteration.
package hgbundle

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/softwareheritage/swhg/modules/hgbundle/chunked"
	"github.com/softwareheritage/swhg/modules/hgbundle/delta"
	"github.com/softwareheritage/swhg/modules/hgnode"
)

// FormatMismatchError is returned when the bundle prelude is not HG20.
type FormatMismatchError struct{ Got [4]byte }

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("hgbundle: not an HG20 bundle, got magic %q", e.Got[:])
}

// TruncatedError wraps an unexpected end of stream while decoding.
type TruncatedError struct{ Cause error }

func (e *TruncatedError) Error() string { return fmt.Sprintf("hgbundle: truncated: %v", e.Cause) }
func (e *TruncatedError) Unwrap() error { return e.Cause }

// CorruptError flags an internally inconsistent size prefix or header.
type CorruptError struct{ Reason string }

func (e *CorruptError) Error() string { return "hgbundle: corrupt: " + e.Reason }

// Param is one (key, value) entry from the bundle's parameter block.
type Param struct {
	Key   string
	Value string
}

// Bundle is an opened HG20 stream positioned at the start of the changeset
// section.
type Bundle struct {
	ra     io.ReaderAt
	cr     *chunked.Reader
	Params []Param
}

// Open reads the HG20 prelude and parameter block from ra and returns a
// Bundle positioned to read the changeset section.
func Open(ra io.ReaderAt) (*Bundle, error) {
	var magic [8]byte
	if _, err := ra.ReadAt(magic[:], 0); err != nil {
		return nil, &TruncatedError{Cause: err}
	}
	if string(magic[:4]) != "HG20" {
		var got [4]byte
		copy(got[:], magic[:4])
		return nil, &FormatMismatchError{Got: got}
	}

	cr, err := chunked.New(ra, 8)
	if err != nil {
		return nil, &TruncatedError{Cause: err}
	}

	b := &Bundle{ra: ra, cr: cr}
	if err := b.readParams(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bundle) readU8() (byte, error) {
	buf, err := b.cr.Read(1)
	if err != nil {
		return 0, &TruncatedError{Cause: err}
	}
	return buf[0], nil
}

func (b *Bundle) readU32() (uint32, error) {
	buf, err := b.cr.Read(4)
	if err != nil {
		return 0, &TruncatedError{Cause: err}
	}
	return binary.BigEndian.Uint32(buf), nil
}

// readParams consumes: u8 label length, that many label bytes (expected
// "CHANGEGROUP"), u32 zero, two u8s (n_mandatory, n_advisory), then that
// many (key_len:u8, val_len:u8) pairs, then their concatenated payloads.
func (b *Bundle) readParams() error {
	labelLen, err := b.readU8()
	if err != nil {
		return err
	}
	label, err := b.cr.Read(int(labelLen))
	if err != nil {
		return &TruncatedError{Cause: err}
	}
	if string(label) != "CHANGEGROUP" {
		return &CorruptError{Reason: fmt.Sprintf("unexpected section label %q", label)}
	}
	if _, err := b.readU32(); err != nil { // reserved zero
		return err
	}
	nMandatory, err := b.readU8()
	if err != nil {
		return err
	}
	nAdvisory, err := b.readU8()
	if err != nil {
		return err
	}
	total := int(nMandatory) + int(nAdvisory)
	lens := make([][2]byte, total)
	for i := 0; i < total; i++ {
		kl, err := b.readU8()
		if err != nil {
			return err
		}
		vl, err := b.readU8()
		if err != nil {
			return err
		}
		lens[i] = [2]byte{kl, vl}
	}
	b.Params = make([]Param, total)
	for i, l := range lens {
		key, err := b.cr.Read(int(l[0]))
		if err != nil {
			return &TruncatedError{Cause: err}
		}
		val, err := b.cr.Read(int(l[1]))
		if err != nil {
			return &TruncatedError{Cause: err}
		}
		b.Params[i] = Param{Key: string(key), Value: string(val)}
	}
	return nil
}

// DeltaHeader is the fixed 100-byte record preceding every delta's patch
// fragments: five 20-byte node ids.
type DeltaHeader struct {
	Node     hgnode.ID
	P1       hgnode.ID
	P2       hgnode.ID
	Basenode hgnode.ID
	Linknode hgnode.ID
}

func decodeDeltaHeader(b []byte) (DeltaHeader, error) {
	if len(b) != 100 {
		return DeltaHeader{}, &CorruptError{Reason: fmt.Sprintf("delta header is %d bytes, want 100", len(b))}
	}
	var h DeltaHeader
	copy(h.Node[:], b[0:20])
	copy(h.P1[:], b[20:40])
	copy(h.P2[:], b[40:60])
	copy(h.Basenode[:], b[60:80])
	copy(h.Linknode[:], b[80:100])
	return h, nil
}

// Delta is one decoded delta record: its header plus the patch fragments
// to apply against the revision named by Header.Basenode.
type Delta struct {
	Header    DeltaHeader
	Fragments []delta.Fragment
}

func decodeFragments(payload []byte) ([]delta.Fragment, error) {
	var frags []delta.Fragment
	for len(payload) > 0 {
		if len(payload) < 12 {
			return nil, &CorruptError{Reason: "truncated patch fragment triple"}
		}
		start := binary.BigEndian.Uint32(payload[0:4])
		end := binary.BigEndian.Uint32(payload[4:8])
		size := binary.BigEndian.Uint32(payload[8:12])
		payload = payload[12:]
		if uint64(size) > uint64(len(payload)) {
			return nil, &CorruptError{Reason: "patch fragment size exceeds remaining payload"}
		}
		frags = append(frags, delta.Fragment{Start: start, End: end, Data: payload[:size]})
		payload = payload[size:]
	}
	return frags, nil
}

// readDelta reads one delta record given its already-consumed element
// size S (as declared by the group's size prefix): 100 header bytes, then
// S-104 bytes of patch-fragment payload (S counts its own 4-byte size
// prefix plus the header plus the fragment payload).
func (b *Bundle) readDelta(size uint32) (Delta, error) {
	if size < 104 {
		return Delta{}, &CorruptError{Reason: fmt.Sprintf("delta element size %d smaller than header", size)}
	}
	headerBuf, err := b.cr.Read(100)
	if err != nil {
		return Delta{}, &TruncatedError{Cause: err}
	}
	header, err := decodeDeltaHeader(headerBuf)
	if err != nil {
		return Delta{}, err
	}
	remaining := int(size - 104)
	payload, err := b.cr.Read(remaining)
	if err != nil {
		return Delta{}, &TruncatedError{Cause: err}
	}
	frags, err := decodeFragments(payload)
	if err != nil {
		return Delta{}, err
	}
	return Delta{Header: header, Fragments: frags}, nil
}

// readGroup reads one group: delta records until a size=0 sentinel.
func (b *Bundle) readGroup() ([]Delta, error) {
	var deltas []Delta
	for {
		size, err := b.readU32()
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return deltas, nil
		}
		d, err := b.readDelta(size)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
}

// Mark is a resumable position in the bundle stream.
type Mark = chunked.Mark

// Offset captures the bundle's current position for later Seek.
func (b *Bundle) Offset() Mark { return b.cr.Offset() }

// Seek resumes reading from a previously captured Mark.
func (b *Bundle) Seek(m Mark) { b.cr.Seek(m) }
