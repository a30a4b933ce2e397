// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package kvtree

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Binary tag bytes for EncodeBinary / DecodeBinary.
const (
	tagString byte = 1
	tagInt64  byte = 2
	tagBool   byte = 3
	tagBytes  byte = 4
	tagTree   byte = 5
)

// EncodeBinary renders the tree as a self-delimiting, length-prefixed
// byte stream: this is the header format the XOR redundancy artifact
// writes at the front of the file (§6, "Wire formats"). Every key is
// (uint32 length, bytes); every value is (type tag, uint32 length,
// bytes) with nested trees recursing. Key order is sorted so the same
// logical tree always serializes to the same bytes, which keeps
// artifact headers reproducible across encode/rebuild for testing.
func (t *Tree) EncodeBinary() []byte {
	var buf bytes.Buffer
	t.encodeInto(&buf)
	return buf.Bytes()
}

func (t *Tree) encodeInto(buf *bytes.Buffer) {
	keys := t.Keys()
	writeU32(buf, uint32(len(keys)))
	for _, k := range keys {
		writeLenPrefixed(buf, []byte(k))
		encodeValue(buf, t.vals[k])
	}
}

func encodeValue(buf *bytes.Buffer, v interface{}) {
	switch x := v.(type) {
	case *Tree:
		buf.WriteByte(tagTree)
		x.encodeInto(buf)
	case string:
		buf.WriteByte(tagString)
		writeLenPrefixed(buf, []byte(x))
	case []byte:
		buf.WriteByte(tagBytes)
		writeLenPrefixed(buf, x)
	case bool:
		buf.WriteByte(tagBool)
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int64:
		buf.WriteByte(tagInt64)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(x))
		buf.Write(b[:])
	case int:
		encodeValue(buf, int64(x))
	default:
		// Fall back to a string representation rather than panic:
		// header fields are always one of the above in practice.
		buf.WriteByte(tagString)
		writeLenPrefixed(buf, []byte(fmt.Sprint(x)))
	}
}

func writeU32(buf *bytes.Buffer, n uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	buf.Write(b[:])
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

// DecodeBinary parses the format written by EncodeBinary and returns
// the tree plus the number of bytes consumed, so the caller (the
// rebuild engine reading an XOR artifact's header) knows where the
// chunked payload begins.
func DecodeBinary(data []byte) (*Tree, int, error) {
	r := &binReader{data: data}
	t, err := decodeTree(r)
	if err != nil {
		return nil, 0, err
	}
	return t, r.pos, nil
}

type binReader struct {
	data []byte
	pos  int
}

func (r *binReader) need(n int) error {
	if r.pos+n > len(r.data) {
		return fmt.Errorf("kvtree: truncated binary tree at offset %d (need %d more bytes)", r.pos, n)
	}
	return nil
}

func (r *binReader) readU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *binReader) readLenPrefixed() ([]byte, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *binReader) readByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func decodeTree(r *binReader) (*Tree, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	t := New()
	for i := uint32(0); i < n; i++ {
		keyB, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		val, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		t.vals[string(keyB)] = val
	}
	return t, nil
}

func decodeValue(r *binReader) (interface{}, error) {
	tag, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagTree:
		return decodeTree(r)
	case tagString:
		b, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tagBytes:
		b, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case tagBool:
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case tagInt64:
		if err := r.need(8); err != nil {
			return nil, err
		}
		v := binary.BigEndian.Uint64(r.data[r.pos:])
		r.pos += 8
		return int64(v), nil
	default:
		return nil, fmt.Errorf("kvtree: unknown value tag %d", tag)
	}
}
