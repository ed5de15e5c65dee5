// internal/registers/value.go
package registers

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/benck/ha-medole/internal/domain"
)

// Decode converts the raw registers of one attribute into its value.
// Multi-register values are assembled high word first.
func Decode(d Descriptor, regs []uint16) (any, error) {
	if len(regs) != int(d.Count) {
		return nil, fmt.Errorf("%w: %q expects %d registers, got %d", domain.ErrFrame, d.Name, d.Count, len(regs))
	}

	switch d.Type {
	case Uint16:
		return regs[0], nil
	case Int16:
		return int16(regs[0]), nil
	case Uint32:
		return uint32(regs[0])<<16 | uint32(regs[1]), nil
	case Int32:
		return int32(uint32(regs[0])<<16 | uint32(regs[1])), nil
	case Bool:
		return regs[0] != 0, nil
	case Decimal8:
		lo := regs[0] & 0xFF
		hi := regs[0] >> 8
		return float64(lo) + float64(hi)/10, nil
	case Scaled:
		var raw float64
		if d.Count == 2 {
			raw = float64(int32(uint32(regs[0])<<16 | uint32(regs[1])))
		} else {
			raw = float64(int16(regs[0]))
		}
		return raw * d.Scale, nil
	default:
		return nil, fmt.Errorf("%w: %q: unknown data type %q", domain.ErrConfig, d.Name, d.Type)
	}
}

// encodeFloat converts an engineering value into raw registers.
func encodeFloat(d Descriptor, v float64) ([]uint16, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("value %v is not finite", v)
	}

	switch d.Type {
	case Uint16:
		if err := integral(v, 0, math.MaxUint16); err != nil {
			return nil, err
		}
		return []uint16{uint16(v)}, nil

	case Int16:
		if err := integral(v, math.MinInt16, math.MaxInt16); err != nil {
			return nil, err
		}
		return []uint16{uint16(int16(v))}, nil

	case Uint32:
		if err := integral(v, 0, math.MaxUint32); err != nil {
			return nil, err
		}
		u := uint32(v)
		return []uint16{uint16(u >> 16), uint16(u)}, nil

	case Int32:
		if err := integral(v, math.MinInt32, math.MaxInt32); err != nil {
			return nil, err
		}
		u := uint32(int32(v))
		return []uint16{uint16(u >> 16), uint16(u)}, nil

	case Bool:
		switch v {
		case 0:
			return []uint16{0}, nil
		case 1:
			return []uint16{1}, nil
		}
		return nil, fmt.Errorf("value %v is not a boolean", v)

	case Decimal8:
		if v < 0 || v >= 256 {
			return nil, fmt.Errorf("value %v outside 0..255.9", v)
		}
		whole := math.Floor(v)
		tenths := math.Round((v - whole) * 10)
		if tenths == 10 {
			whole++
			tenths = 0
		}
		if whole > 255 {
			return nil, fmt.Errorf("value %v outside 0..255.9", v)
		}
		return []uint16{uint16(tenths)<<8 | uint16(whole)}, nil

	case Scaled:
		raw := math.Round(v / d.Scale)
		if d.Count == 2 {
			if raw < math.MinInt32 || raw > math.MaxInt32 {
				return nil, fmt.Errorf("value %v does not fit 32-bit raw", v)
			}
			u := uint32(int32(raw))
			return []uint16{uint16(u >> 16), uint16(u)}, nil
		}
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return nil, fmt.Errorf("value %v does not fit 16-bit raw", v)
		}
		return []uint16{uint16(int16(raw))}, nil
	}

	return nil, fmt.Errorf("unknown data type %q", d.Type)
}

func integral(v, lo, hi float64) error {
	if v != math.Trunc(v) {
		return fmt.Errorf("value %v is not an integer", v)
	}
	if v < lo || v > hi {
		return fmt.Errorf("value %v outside %v..%v", v, lo, hi)
	}
	return nil
}

// toFloat64 accepts the value shapes a host can hand in: Go numerics,
// bools, JSON numbers and numeric strings.
func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case string:
		switch v {
		case "true", "on":
			return 1, nil
		case "false", "off":
			return 0, nil
		}
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("unsupported value type %T", value)
	}
}
