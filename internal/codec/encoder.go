package codec

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"isometry/pkg/errors"
)

// Wire tags. Every value is one tag byte followed by a tag-specific body;
// lengths and integers are varint-encoded.
const (
	tagNil    byte = 0x00
	tagFalse  byte = 0x01
	tagTrue   byte = 0x02
	tagInt    byte = 0x03
	tagFloat  byte = 0x04
	tagString byte = 0x05
	tagBytes  byte = 0x06
	tagTime   byte = 0x07
	tagArray  byte = 0x08
	tagMap    byte = 0x09
)

type encoder struct {
	buf     bytes.Buffer
	scratch [10]byte
}

func newEncoder() *encoder {
	e := &encoder{}
	e.buf.Grow(64)
	return e
}

func (e *encoder) bytes() []byte {
	return e.buf.Bytes()
}

func (e *encoder) encodeValue(v interface{}) error {
	switch val := v.(type) {
	case nil:
		e.buf.WriteByte(tagNil)
	case bool:
		if val {
			e.buf.WriteByte(tagTrue)
		} else {
			e.buf.WriteByte(tagFalse)
		}
	case int:
		e.writeInt(int64(val))
	case int8:
		e.writeInt(int64(val))
	case int16:
		e.writeInt(int64(val))
	case int32:
		e.writeInt(int64(val))
	case int64:
		e.writeInt(val)
	case uint:
		e.writeInt(int64(val))
	case uint8:
		e.writeInt(int64(val))
	case uint16:
		e.writeInt(int64(val))
	case uint32:
		e.writeInt(int64(val))
	case float32:
		e.writeFloat(float64(val))
	case float64:
		e.writeFloat(val)
	case string:
		e.buf.WriteByte(tagString)
		e.writeUvarint(uint64(len(val)))
		e.buf.WriteString(val)
	case []byte:
		e.buf.WriteByte(tagBytes)
		e.writeUvarint(uint64(len(val)))
		e.buf.Write(val)
	case time.Time:
		e.buf.WriteByte(tagTime)
		e.writeVarint(val.UnixMicro())
	case []interface{}:
		e.buf.WriteByte(tagArray)
		e.writeUvarint(uint64(len(val)))
		for _, item := range val {
			if err := e.encodeValue(item); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		// Sorted keys keep the encoding canonical so identical values
		// produce identical bytes.
		e.buf.WriteByte(tagMap)
		e.writeUvarint(uint64(len(val)))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.writeUvarint(uint64(len(k)))
			e.buf.WriteString(k)
			if err := e.encodeValue(val[k]); err != nil {
				return err
			}
		}
	default:
		return errors.ErrEncoding.WithDetail("message", fmt.Sprintf("unsupported type %T", v))
	}
	return nil
}

func (e *encoder) writeInt(v int64) {
	e.buf.WriteByte(tagInt)
	e.writeVarint(v)
}

func (e *encoder) writeFloat(v float64) {
	e.buf.WriteByte(tagFloat)
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		e.scratch[i] = byte(bits >> (8 * i))
	}
	e.buf.Write(e.scratch[:8])
}

// writeVarint writes a zigzag-encoded variable size integer.
func (e *encoder) writeVarint(v int64) {
	x := uint64(v) << 1
	if v < 0 {
		x = ^x
	}
	e.writeUvarint(x)
}

// writeUvarint writes a variable size unsigned integer.
func (e *encoder) writeUvarint(x uint64) {
	i := 0
	for x >= 0x80 {
		e.scratch[i] = byte(x) | 0x80
		x >>= 7
		i++
	}
	e.scratch[i] = byte(x)
	e.buf.Write(e.scratch[:i+1])
}
