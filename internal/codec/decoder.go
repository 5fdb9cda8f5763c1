package codec

import (
	"fmt"
	"math"
	"time"

	"isometry/pkg/errors"
)

type decoder struct {
	data []byte
	pos  int
}

func newDecoder(data []byte) *decoder {
	return &decoder{data: data}
}

func (d *decoder) remaining() int {
	return len(d.data) - d.pos
}

func (d *decoder) decodeValue() (interface{}, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagNil:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt:
		return d.readVarint()
	case tagFloat:
		return d.readFloat()
	case tagString:
		b, err := d.readLengthPrefixed()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tagBytes:
		b, err := d.readLengthPrefixed()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case tagTime:
		micros, err := d.readVarint()
		if err != nil {
			return nil, err
		}
		return time.UnixMicro(micros).UTC(), nil
	case tagArray:
		n, err := d.readCount()
		if err != nil {
			return nil, err
		}
		arr := make([]interface{}, 0, n)
		for i := 0; i < n; i++ {
			item, err := d.decodeValue()
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case tagMap:
		n, err := d.readCount()
		if err != nil {
			return nil, err
		}
		m := make(map[string]interface{}, n)
		for i := 0; i < n; i++ {
			key, err := d.readLengthPrefixed()
			if err != nil {
				return nil, err
			}
			val, err := d.decodeValue()
			if err != nil {
				return nil, err
			}
			m[string(key)] = val
		}
		return m, nil
	default:
		return nil, errors.ErrDecoding.WithDetail("message", fmt.Sprintf("unknown tag 0x%02x at offset %d", tag, d.pos-1))
	}
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, errors.ErrDecoding.WithDetail("message", "unexpected end of payload")
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readUvarint() (uint64, error) {
	var x uint64
	var shift uint
	for i := 0; i < 10; i++ {
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<shift, nil
		}
		x |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, errors.ErrDecoding.WithDetail("message", "varint too long")
}

func (d *decoder) readVarint() (int64, error) {
	x, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	v := int64(x >> 1)
	if x&1 != 0 {
		v = ^v
	}
	return v, nil
}

func (d *decoder) readFloat() (float64, error) {
	if d.remaining() < 8 {
		return 0, errors.ErrDecoding.WithDetail("message", "truncated float")
	}
	var bits uint64
	for i := 0; i < 8; i++ {
		bits |= uint64(d.data[d.pos+i]) << (8 * i)
	}
	d.pos += 8
	return math.Float64frombits(bits), nil
}

func (d *decoder) readCount() (int, error) {
	n, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if n > uint64(d.remaining()) {
		return 0, errors.ErrDecoding.WithDetail("message", "element count exceeds payload size")
	}
	return int(n), nil
}

func (d *decoder) readLengthPrefixed() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.remaining()) {
		return nil, errors.ErrDecoding.WithDetail("message", "length prefix exceeds payload size")
	}
	b := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}
