// internal/codec/codec.go
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/benck/ha-medole/internal/domain"
)

// Framing selects the ADU wrapper around a PDU.
type Framing int

const (
	RTU Framing = iota // slave id + PDU + CRC16
	TCP                // MBAP header + PDU
)

func (f Framing) String() string {
	switch f {
	case RTU:
		return "rtu"
	case TCP:
		return "tcp"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// ---- FUNCTION CODES ----

const (
	FuncReadHoldingRegisters   byte = 0x03
	FuncReadInputRegisters     byte = 0x04
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleRegisters byte = 0x10

	exceptionBit byte = 0x80
)

// ---- PROTOCOL LIMITS ----

const (
	MaxReadQuantity  = 125
	MaxWriteQuantity = 123

	mbapHeaderSize = 7
	rtuMinSize     = 4 // slave + fc + crc(2)
)

// Target addresses one request on the wire.
type Target struct {
	Framing       Framing
	SlaveID       byte
	TransactionID uint16 // TCP only
}

// Response is a decoded, validated response PDU.
type Response struct {
	Function byte

	Registers []uint16 // FC 3,4
	Address   uint16   // FC 6,16 echo
	Value     uint16   // FC 6 echo
	Quantity  uint16   // FC 16 echo
}

// WriteFunction returns the function code used to write n registers.
func WriteFunction(n int) byte {
	if n == 1 {
		return FuncWriteSingleRegister
	}
	return FuncWriteMultipleRegisters
}

// EncodeReadRequest builds a read holding/input registers ADU.
func EncodeReadRequest(t Target, function byte, start, count uint16) ([]byte, error) {
	if function != FuncReadHoldingRegisters && function != FuncReadInputRegisters {
		return nil, fmt.Errorf("codec: unsupported read function 0x%02X", function)
	}
	if count == 0 || count > MaxReadQuantity {
		return nil, fmt.Errorf("codec: read quantity %d out of range 1..%d", count, MaxReadQuantity)
	}
	if uint32(start)+uint32(count) > 0x10000 {
		return nil, fmt.Errorf("codec: read span %d+%d exceeds address space", start, count)
	}

	pdu := make([]byte, 5)
	pdu[0] = function
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], count)

	return wrap(t, pdu), nil
}

// EncodeWriteRequest builds a write ADU: FC 0x06 for one value, 0x10 otherwise.
func EncodeWriteRequest(t Target, address uint16, values []uint16) ([]byte, error) {
	n := len(values)
	if n == 0 || n > MaxWriteQuantity {
		return nil, fmt.Errorf("codec: write quantity %d out of range 1..%d", n, MaxWriteQuantity)
	}
	if uint32(address)+uint32(n) > 0x10000 {
		return nil, fmt.Errorf("codec: write span %d+%d exceeds address space", address, n)
	}

	var pdu []byte
	if n == 1 {
		pdu = make([]byte, 5)
		pdu[0] = FuncWriteSingleRegister
		binary.BigEndian.PutUint16(pdu[1:3], address)
		binary.BigEndian.PutUint16(pdu[3:5], values[0])
	} else {
		pdu = make([]byte, 6+2*n)
		pdu[0] = FuncWriteMultipleRegisters
		binary.BigEndian.PutUint16(pdu[1:3], address)
		binary.BigEndian.PutUint16(pdu[3:5], uint16(n))
		pdu[5] = byte(2 * n)
		packRegisters(pdu[6:], values)
	}

	return wrap(t, pdu), nil
}

// DecodeResponse validates the ADU wrapper and decodes the PDU.
// Checksum, header or function mismatches yield domain.ErrFrame;
// an exception response yields *domain.DeviceExceptionError.
func DecodeResponse(t Target, adu []byte, expected byte) (Response, error) {
	pdu, err := unwrap(t, adu)
	if err != nil {
		return Response{}, err
	}
	if len(pdu) == 0 {
		return Response{}, fmt.Errorf("%w: empty pdu", domain.ErrFrame)
	}

	fc := pdu[0]

	if fc == expected|exceptionBit {
		if len(pdu) != 2 {
			return Response{}, fmt.Errorf("%w: exception pdu length %d", domain.ErrFrame, len(pdu))
		}
		return Response{Function: fc}, &domain.DeviceExceptionError{
			Function: expected,
			Code:     domain.ExceptionCode(pdu[1]),
		}
	}
	if fc != expected {
		return Response{}, fmt.Errorf("%w: function mismatch: got=0x%02X want=0x%02X", domain.ErrFrame, fc, expected)
	}

	res := Response{Function: fc}

	switch fc {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(pdu) < 2 {
			return Response{}, fmt.Errorf("%w: short read pdu", domain.ErrFrame)
		}
		byteCount := int(pdu[1])
		if byteCount%2 != 0 {
			return Response{}, fmt.Errorf("%w: odd byte count %d", domain.ErrFrame, byteCount)
		}
		if len(pdu)-2 != byteCount {
			return Response{}, fmt.Errorf("%w: byte count %d does not match payload %d", domain.ErrFrame, byteCount, len(pdu)-2)
		}
		res.Registers = unpackRegisters(pdu[2:])

	case FuncWriteSingleRegister:
		if len(pdu) != 5 {
			return Response{}, fmt.Errorf("%w: write single echo length %d", domain.ErrFrame, len(pdu))
		}
		res.Address = binary.BigEndian.Uint16(pdu[1:3])
		res.Value = binary.BigEndian.Uint16(pdu[3:5])

	case FuncWriteMultipleRegisters:
		if len(pdu) != 5 {
			return Response{}, fmt.Errorf("%w: write multiple echo length %d", domain.ErrFrame, len(pdu))
		}
		res.Address = binary.BigEndian.Uint16(pdu[1:3])
		res.Quantity = binary.BigEndian.Uint16(pdu[3:5])

	default:
		return Response{}, fmt.Errorf("%w: unsupported function 0x%02X", domain.ErrFrame, fc)
	}

	return res, nil
}

// VerifyWriteEcho checks that a write response echoes the request that
// produced it. A mismatch yields domain.ErrFrame.
func VerifyWriteEcho(res Response, address uint16, values []uint16) error {
	if res.Address != address {
		return fmt.Errorf("%w: write echo address 0x%04X, sent 0x%04X", domain.ErrFrame, res.Address, address)
	}
	switch res.Function {
	case FuncWriteSingleRegister:
		if len(values) != 1 || res.Value != values[0] {
			return fmt.Errorf("%w: write echo value %d, sent %v", domain.ErrFrame, res.Value, values)
		}
	case FuncWriteMultipleRegisters:
		if int(res.Quantity) != len(values) {
			return fmt.Errorf("%w: write echo quantity %d, sent %d", domain.ErrFrame, res.Quantity, len(values))
		}
	default:
		return fmt.Errorf("%w: not a write response: 0x%02X", domain.ErrFrame, res.Function)
	}
	return nil
}

// RTUResponseLength reports the full length of an RTU response from its
// leading bytes. It returns 0 when more bytes are needed to tell.
func RTUResponseLength(head []byte) (int, error) {
	if len(head) < 2 {
		return 0, nil
	}
	fc := head[1]
	if fc&exceptionBit != 0 {
		return 5, nil
	}
	switch fc {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(head) < 3 {
			return 0, nil
		}
		return 3 + int(head[2]) + 2, nil
	case FuncWriteSingleRegister, FuncWriteMultipleRegisters:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: cannot frame function 0x%02X", domain.ErrFrame, fc)
	}
}

// ---- ADU WRAPPERS ----

func wrap(t Target, pdu []byte) []byte {
	switch t.Framing {
	case TCP:
		adu := make([]byte, mbapHeaderSize+len(pdu))
		binary.BigEndian.PutUint16(adu[0:2], t.TransactionID)
		binary.BigEndian.PutUint16(adu[2:4], 0)
		binary.BigEndian.PutUint16(adu[4:6], uint16(len(pdu)+1))
		adu[6] = t.SlaveID
		copy(adu[mbapHeaderSize:], pdu)
		return adu

	default:
		adu := make([]byte, 0, len(pdu)+3)
		adu = append(adu, t.SlaveID)
		adu = append(adu, pdu...)
		return appendCRC(adu)
	}
}

func unwrap(t Target, adu []byte) ([]byte, error) {
	switch t.Framing {
	case TCP:
		if len(adu) < mbapHeaderSize+1 {
			return nil, fmt.Errorf("%w: short tcp adu (%d bytes)", domain.ErrFrame, len(adu))
		}
		tid := binary.BigEndian.Uint16(adu[0:2])
		pid := binary.BigEndian.Uint16(adu[2:4])
		length := int(binary.BigEndian.Uint16(adu[4:6]))

		if tid != t.TransactionID {
			return nil, fmt.Errorf("%w: transaction id mismatch: got=%d want=%d", domain.ErrFrame, tid, t.TransactionID)
		}
		if pid != 0 {
			return nil, fmt.Errorf("%w: protocol id mismatch: got=%d want=0", domain.ErrFrame, pid)
		}
		if length != len(adu)-6 {
			return nil, fmt.Errorf("%w: mbap length %d does not match adu %d", domain.ErrFrame, length, len(adu)-6)
		}
		if adu[6] != t.SlaveID {
			return nil, fmt.Errorf("%w: unit id mismatch: got=%d want=%d", domain.ErrFrame, adu[6], t.SlaveID)
		}
		return adu[mbapHeaderSize:], nil

	default:
		if len(adu) < rtuMinSize {
			return nil, fmt.Errorf("%w: short rtu adu (%d bytes)", domain.ErrFrame, len(adu))
		}
		if !checkCRC(adu) {
			return nil, fmt.Errorf("%w: crc mismatch", domain.ErrFrame)
		}
		if adu[0] != t.SlaveID {
			return nil, fmt.Errorf("%w: slave id mismatch: got=%d want=%d", domain.ErrFrame, adu[0], t.SlaveID)
		}
		return adu[1 : len(adu)-2], nil
	}
}

// ---- helpers ----

var errShortRegisters = errors.New("codec: register payload shorter than quantity")

func packRegisters(dst []byte, regs []uint16) {
	for i, r := range regs {
		binary.BigEndian.PutUint16(dst[2*i:], r)
	}
}

func unpackRegisters(data []byte) []uint16 {
	n := len(data) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}
