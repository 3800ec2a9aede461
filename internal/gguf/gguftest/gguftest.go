// Package gguftest assembles small GGUF v3 files in memory so tests can
// exercise the reader, dequantizers, and model loading without shipping
// model fixtures.
package gguftest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

const (
	typeUint8   = 0
	typeInt8    = 1
	typeUint16  = 2
	typeInt16   = 3
	typeUint32  = 4
	typeInt32   = 5
	typeFloat32 = 6
	typeBool    = 7
	typeString  = 8
	typeArray   = 9
	typeUint64  = 10
	typeInt64   = 11
	typeFloat64 = 12
)

const (
	ggmlF32 = 0
	ggmlF16 = 1
)

type kvPair struct {
	key   string
	value interface{}
}

type tensorSpec struct {
	name string
	dims []uint64
	typ  uint32
	raw  []byte
}

// Builder accumulates KV pairs and tensors and serializes them as a GGUF v3
// byte stream. Misuse (unknown value types, dims that do not match the data)
// panics, since callers are tests.
type Builder struct {
	alignment uint64
	kv        []kvPair
	tensors   []tensorSpec
}

func NewBuilder() *Builder {
	return &Builder{alignment: 32}
}

// KV appends a metadata pair. Pairs serialize in insertion order. Supported
// value types: all GGUF scalars, string, bool, and []string / []int32 /
// []uint32 / []float32 arrays.
func (b *Builder) KV(key string, value interface{}) *Builder {
	if key == "general.alignment" {
		switch v := value.(type) {
		case uint32:
			b.alignment = uint64(v)
		case uint64:
			b.alignment = v
		}
	}
	b.kv = append(b.kv, kvPair{key: key, value: value})
	return b
}

// TensorF32 appends an F32 tensor. dims follow GGUF order, dims[0] innermost.
func (b *Builder) TensorF32(name string, dims []uint64, data []float32) *Builder {
	if uint64(len(data)) != numElements(dims) {
		panic(fmt.Sprintf("gguftest: tensor %s: %d values for dims %v", name, len(data), dims))
	}
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	b.tensors = append(b.tensors, tensorSpec{name: name, dims: dims, typ: ggmlF32, raw: raw})
	return b
}

// TensorF16 appends an F16 tensor converted from float32 values.
func (b *Builder) TensorF16(name string, dims []uint64, data []float32) *Builder {
	if uint64(len(data)) != numElements(dims) {
		panic(fmt.Sprintf("gguftest: tensor %s: %d values for dims %v", name, len(data), dims))
	}
	raw := make([]byte, len(data)*2)
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[i*2:], encodeF16(v))
	}
	b.tensors = append(b.tensors, tensorSpec{name: name, dims: dims, typ: ggmlF16, raw: raw})
	return b
}

// TensorRaw appends a tensor with caller-provided bytes, for quantized types.
func (b *Builder) TensorRaw(name string, dims []uint64, ggmlType uint32, raw []byte) *Builder {
	b.tensors = append(b.tensors, tensorSpec{name: name, dims: dims, typ: ggmlType, raw: raw})
	return b
}

// Bytes serializes the file.
func (b *Builder) Bytes() []byte {
	var buf bytes.Buffer

	write := func(v interface{}) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			panic(fmt.Sprintf("gguftest: %v", err))
		}
	}

	write(uint32(0x46554747))
	write(uint32(3))
	write(uint64(len(b.tensors)))
	write(uint64(len(b.kv)))

	for _, p := range b.kv {
		writeString(&buf, p.key)
		writeValue(&buf, p.value)
	}

	offset := uint64(0)
	for _, t := range b.tensors {
		writeString(&buf, t.name)
		write(uint32(len(t.dims)))
		for _, d := range t.dims {
			write(d)
		}
		write(t.typ)
		write(offset)
		offset += align(uint64(len(t.raw)), b.alignment)
	}

	pad(&buf, b.alignment)
	for _, t := range b.tensors {
		buf.Write(t.raw)
		pad(&buf, b.alignment)
	}

	return buf.Bytes()
}

// WriteFile serializes the file to path.
func (b *Builder) WriteFile(path string) error {
	return os.WriteFile(path, b.Bytes(), 0o644)
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func writeValue(buf *bytes.Buffer, value interface{}) {
	write := func(v interface{}) {
		_ = binary.Write(buf, binary.LittleEndian, v)
	}

	switch v := value.(type) {
	case uint8:
		write(uint32(typeUint8))
		write(v)
	case int8:
		write(uint32(typeInt8))
		write(v)
	case uint16:
		write(uint32(typeUint16))
		write(v)
	case int16:
		write(uint32(typeInt16))
		write(v)
	case uint32:
		write(uint32(typeUint32))
		write(v)
	case int32:
		write(uint32(typeInt32))
		write(v)
	case uint64:
		write(uint32(typeUint64))
		write(v)
	case int64:
		write(uint32(typeInt64))
		write(v)
	case int:
		write(uint32(typeUint32))
		write(uint32(v))
	case float32:
		write(uint32(typeFloat32))
		write(v)
	case float64:
		write(uint32(typeFloat64))
		write(v)
	case bool:
		write(uint32(typeBool))
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case string:
		write(uint32(typeString))
		writeString(buf, v)
	case []string:
		write(uint32(typeArray))
		write(uint32(typeString))
		write(uint64(len(v)))
		for _, s := range v {
			writeString(buf, s)
		}
	case []int32:
		write(uint32(typeArray))
		write(uint32(typeInt32))
		write(uint64(len(v)))
		for _, n := range v {
			write(n)
		}
	case []uint32:
		write(uint32(typeArray))
		write(uint32(typeUint32))
		write(uint64(len(v)))
		for _, n := range v {
			write(n)
		}
	case []float32:
		write(uint32(typeArray))
		write(uint32(typeFloat32))
		write(uint64(len(v)))
		for _, f := range v {
			write(f)
		}
	default:
		panic(fmt.Sprintf("gguftest: unsupported KV value type %T", value))
	}
}

func numElements(dims []uint64) uint64 {
	n := uint64(1)
	for _, d := range dims {
		n *= d
	}
	return n
}

func align(n, alignment uint64) uint64 {
	if rem := n % alignment; rem != 0 {
		return n + alignment - rem
	}
	return n
}

func pad(buf *bytes.Buffer, alignment uint64) {
	if rem := uint64(buf.Len()) % alignment; rem != 0 {
		buf.Write(make([]byte, alignment-rem))
	}
}

func encodeF16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := bits >> 31
	exp := (bits >> 23) & 0xFF
	mant := bits & 0x7FFFFF

	switch {
	case exp == 0:
		return uint16(sign << 15)
	case exp == 255:
		h := uint16(sign<<15) | 0x7C00
		if mant != 0 {
			h |= uint16(mant >> 13)
			if h&0x3FF == 0 {
				h |= 1
			}
		}
		return h
	default:
		newExp := int(exp) - 127 + 15
		if newExp >= 31 {
			return uint16(sign<<15) | 0x7C00
		}
		if newExp <= 0 {
			if newExp < -10 {
				return uint16(sign << 15)
			}
			m := mant | 0x800000
			return uint16(sign<<15) | uint16(m>>uint32(14-newExp))
		}
		return uint16(sign<<15) | uint16(newExp<<10) | uint16(mant>>13)
	}
}
