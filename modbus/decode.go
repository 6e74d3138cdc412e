package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
)

// registerCount returns how many 16-bit registers a format occupies.
func registerCount(format string) (int, error) {
	switch format {
	case "u16", "s16":
		return 1, nil
	case "u32", "s32", "f32":
		return 2, nil
	case "f64":
		return 4, nil
	default:
		return 0, fmt.Errorf("unknown register format %q", format)
	}
}

// arrange maps between wire byte order and big-endian byte order.
// Every supported order is its own inverse, so the same function
// serves decode and encode.
func arrange(raw []byte, wordOrder string) ([]byte, error) {
	out := make([]byte, len(raw))
	switch wordOrder {
	case "big":
		copy(out, raw)
	case "little":
		for i, b := range raw {
			out[len(raw)-1-i] = b
		}
	case "big_swap":
		// Byte swap within each word, word order unchanged.
		for i := 0; i+1 < len(raw); i += 2 {
			out[i], out[i+1] = raw[i+1], raw[i]
		}
	case "little_swap":
		// Word order reversed, byte order within words unchanged.
		words := len(raw) / 2
		for w := 0; w < words; w++ {
			src := raw[2*w : 2*w+2]
			dst := out[2*(words-1-w):]
			dst[0], dst[1] = src[0], src[1]
		}
	default:
		return nil, fmt.Errorf("unknown word order %q", wordOrder)
	}
	return out, nil
}

// decodeValue converts raw register bytes into a numeric value.
func decodeValue(raw []byte, format, wordOrder string) (float64, error) {
	n, err := registerCount(format)
	if err != nil {
		return 0, err
	}
	if len(raw) != 2*n {
		return 0, fmt.Errorf("format %s needs %d bytes, got %d", format, 2*n, len(raw))
	}

	buf, err := arrange(raw, wordOrder)
	if err != nil {
		return 0, err
	}

	switch format {
	case "u16":
		return float64(binary.BigEndian.Uint16(buf)), nil
	case "s16":
		return float64(int16(binary.BigEndian.Uint16(buf))), nil
	case "u32":
		return float64(binary.BigEndian.Uint32(buf)), nil
	case "s32":
		return float64(int32(binary.BigEndian.Uint32(buf))), nil
	case "f32":
		return float64(math.Float32frombits(binary.BigEndian.Uint32(buf))), nil
	case "f64":
		return math.Float64frombits(binary.BigEndian.Uint64(buf)), nil
	}
	return 0, fmt.Errorf("unknown register format %q", format)
}

// encodeValue converts a numeric value into raw register bytes.
// Integer formats truncate toward zero.
func encodeValue(value float64, format, wordOrder string) ([]byte, error) {
	n, err := registerCount(format)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 2*n)
	switch format {
	case "u16":
		binary.BigEndian.PutUint16(buf, uint16(value))
	case "s16":
		binary.BigEndian.PutUint16(buf, uint16(int16(value)))
	case "u32":
		binary.BigEndian.PutUint32(buf, uint32(value))
	case "s32":
		binary.BigEndian.PutUint32(buf, uint32(int32(value)))
	case "f32":
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(value)))
	case "f64":
		binary.BigEndian.PutUint64(buf, math.Float64bits(value))
	}
	return arrange(buf, wordOrder)
}

// applyTransform maps a raw device value to engineering units.
func applyTransform(raw, scale, offset float64) float64 {
	return raw*scale + offset
}

// reverseTransform maps an engineering value back to a raw device
// value.
func reverseTransform(value, scale, offset float64) float64 {
	if scale == 0 {
		scale = 1
	}
	return (value - offset) / scale
}

// bitAt extracts a coil/discrete bit from a packed response.
func bitAt(raw []byte, i int) bool {
	if i/8 >= len(raw) {
		return false
	}
	return raw[i/8]&(1<<uint(i%8)) != 0
}
