package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"syscall"

	"github.com/23skdu/longbow-lens/internal/logger"
)

// Open maps a GGUF file into memory and parses the header, metadata KV
// section, and tensor directory. Tensor bytes stay in the mmap until Close.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 24 { // magic + version + tensor count + kv count
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file := &File{
		KV:     make(map[string]interface{}),
		data:   data,
		byName: make(map[string]*TensorInfo),
	}

	offset := uint64(0)

	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != Magic {
		_ = syscall.Munmap(data)
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < MinVersion || file.Header.Version > MaxVersion {
		_ = syscall.Munmap(data)
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	logger.Log.Debug("gguf header",
		"path", path,
		"version", file.Header.Version,
		"tensors", file.Header.TensorCount,
		"kv", file.Header.KVCount)

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, n, err := readString(data, offset)
		if err != nil {
			_ = syscall.Munmap(data)
			return nil, fmt.Errorf("read KV key %d: %w", i, err)
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			_ = syscall.Munmap(data)
			return nil, io.ErrUnexpectedEOF
		}
		valType := ValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			_ = syscall.Munmap(data)
			return nil, fmt.Errorf("read KV %q: %w", k, err)
		}
		offset += n

		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			_ = syscall.Munmap(data)
			return nil, fmt.Errorf("read tensor name %d: %w", i, err)
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			_ = syscall.Munmap(data)
			return nil, io.ErrUnexpectedEOF
		}
		dims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4

		if offset+uint64(dims)*8+12 > uint64(len(data)) {
			_ = syscall.Munmap(data)
			return nil, io.ErrUnexpectedEOF
		}
		dimArr := make([]uint64, dims)
		for j := uint32(0); j < dims; j++ {
			dimArr[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
		}

		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		ti := &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     tensorOffset,
		}
		file.Tensors = append(file.Tensors, ti)
		file.byName[name] = ti
		logger.Log.Trace("gguf tensor", "name", name, "type", typ.String(), "dims", dimArr)
	}

	// Tensor offsets are relative to the aligned start of the data section.
	// Alignment comes from general.alignment, default 32.
	alignment := uint64(32)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if padding := alignment - (offset % alignment); padding != alignment {
		offset += padding
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		abs := offset + t.Offset
		if abs >= uint64(len(data)) {
			_ = syscall.Munmap(data)
			return nil, fmt.Errorf("tensor %s: offset %d out of bounds", t.Name, t.Offset)
		}
		t.Data = data[abs:]
	}

	return file, nil
}

func (f *File) Close() error {
	return syscall.Munmap(f.data)
}

// Tensor looks up a tensor by its llama.cpp name.
func (f *File) Tensor(name string) (*TensorInfo, error) {
	if t, ok := f.byName[name]; ok {
		return t, nil
	}
	return nil, ErrTensorNotFound{Name: name}
}

// HasTensor reports whether the file contains the named tensor.
func (f *File) HasTensor(name string) bool {
	_, ok := f.byName[name]
	return ok
}

// KVUint returns the first present key as a uint64. Numeric KVs appear as
// different widths across converters, so all integer shapes are accepted.
func (f *File) KVUint(keys ...string) (uint64, bool) {
	for _, key := range keys {
		if val, ok := f.KV[key]; ok {
			switch v := val.(type) {
			case uint8:
				return uint64(v), true
			case int8:
				return uint64(v), true
			case uint16:
				return uint64(v), true
			case int16:
				return uint64(v), true
			case uint32:
				return uint64(v), true
			case int32:
				return uint64(v), true
			case uint64:
				return v, true
			case int64:
				return uint64(v), true
			}
		}
	}
	return 0, false
}

// KVFloat returns the first present key as a float64, accepting float32,
// float64, and integer shapes.
func (f *File) KVFloat(keys ...string) (float64, bool) {
	for _, key := range keys {
		if val, ok := f.KV[key]; ok {
			switch v := val.(type) {
			case float32:
				return float64(v), true
			case float64:
				return v, true
			case uint32:
				return float64(v), true
			case uint64:
				return float64(v), true
			case int32:
				return float64(v), true
			case int64:
				return float64(v), true
			}
		}
	}
	return 0, false
}

func (f *File) KVString(keys ...string) (string, bool) {
	for _, key := range keys {
		if val, ok := f.KV[key].(string); ok {
			return val, true
		}
	}
	return "", false
}

func (f *File) KVBool(keys ...string) (bool, bool) {
	for _, key := range keys {
		if val, ok := f.KV[key].(bool); ok {
			return val, true
		}
	}
	return false, false
}

// KVStrings returns a string-array KV (e.g. tokenizer.ggml.tokens).
func (f *File) KVStrings(key string) ([]string, bool) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// KVInts returns an integer-array KV (e.g. tokenizer.ggml.token_type).
func (f *File) KVInts(key string) ([]int, bool) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(arr))
	for _, v := range arr {
		switch n := v.(type) {
		case int32:
			out = append(out, int(n))
		case uint32:
			out = append(out, int(n))
		case int64:
			out = append(out, int(n))
		case uint64:
			out = append(out, int(n))
		default:
			return nil, false
		}
	}
	return out, true
}

// SortedTensors returns the tensor directory ordered by data offset.
func (f *File) SortedTensors() []*TensorInfo {
	sorted := make([]*TensorInfo, len(f.Tensors))
	copy(sorted, f.Tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})
	return sorted
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if offset+8 > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint64(data[offset:])
	if offset+8+length > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	str := string(data[offset+8 : offset+8+length])
	return str, 8 + length, nil
}

func readValue(data []byte, offset uint64, typ ValueType) (interface{}, uint64, error) {
	need := func(n uint64) error {
		if offset+n > uint64(len(data)) {
			return io.ErrUnexpectedEOF
		}
		return nil
	}

	switch typ {
	case ValueTypeUint8:
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return data[offset], 1, nil
	case ValueTypeInt8:
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return int8(data[offset]), 1, nil
	case ValueTypeUint16:
		if err := need(2); err != nil {
			return nil, 0, err
		}
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case ValueTypeInt16:
		if err := need(2); err != nil {
			return nil, 0, err
		}
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case ValueTypeUint32:
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case ValueTypeInt32:
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case ValueTypeFloat32:
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case ValueTypeBool:
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return data[offset] != 0, 1, nil
	case ValueTypeString:
		return readString(data, offset)
	case ValueTypeArray:
		if err := need(12); err != nil {
			return nil, 0, err
		}
		arrType := ValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		bytesRead := uint64(12)
		currentOff := offset + 12

		var arr []interface{}
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, currentOff, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			currentOff += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	case ValueTypeUint64:
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case ValueTypeInt64:
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case ValueTypeFloat64:
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}
