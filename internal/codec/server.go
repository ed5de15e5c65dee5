// internal/codec/server.go
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/benck/ha-medole/internal/domain"
)

// Request is a decoded request ADU, as seen by a device.
type Request struct {
	SlaveID       byte
	TransactionID uint16
	Function      byte

	Address  uint16
	Quantity uint16
	Values   []uint16 // FC 6 (one value), FC 16
}

// DecodeRequest parses a request ADU. Used by simulated devices.
func DecodeRequest(f Framing, adu []byte) (Request, error) {
	var req Request
	var pdu []byte

	switch f {
	case TCP:
		if len(adu) < mbapHeaderSize+1 {
			return req, fmt.Errorf("%w: short tcp request", domain.ErrFrame)
		}
		if int(binary.BigEndian.Uint16(adu[4:6])) != len(adu)-6 {
			return req, fmt.Errorf("%w: mbap length mismatch", domain.ErrFrame)
		}
		req.TransactionID = binary.BigEndian.Uint16(adu[0:2])
		req.SlaveID = adu[6]
		pdu = adu[mbapHeaderSize:]
	default:
		if len(adu) < rtuMinSize {
			return req, fmt.Errorf("%w: short rtu request", domain.ErrFrame)
		}
		if !checkCRC(adu) {
			return req, fmt.Errorf("%w: crc mismatch", domain.ErrFrame)
		}
		req.SlaveID = adu[0]
		pdu = adu[1 : len(adu)-2]
	}

	req.Function = pdu[0]

	switch req.Function {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(pdu) != 5 {
			return req, fmt.Errorf("%w: read request length %d", domain.ErrFrame, len(pdu))
		}
		req.Address = binary.BigEndian.Uint16(pdu[1:3])
		req.Quantity = binary.BigEndian.Uint16(pdu[3:5])

	case FuncWriteSingleRegister:
		if len(pdu) != 5 {
			return req, fmt.Errorf("%w: write single request length %d", domain.ErrFrame, len(pdu))
		}
		req.Address = binary.BigEndian.Uint16(pdu[1:3])
		req.Quantity = 1
		req.Values = []uint16{binary.BigEndian.Uint16(pdu[3:5])}

	case FuncWriteMultipleRegisters:
		if len(pdu) < 6 {
			return req, fmt.Errorf("%w: write multiple request length %d", domain.ErrFrame, len(pdu))
		}
		req.Address = binary.BigEndian.Uint16(pdu[1:3])
		req.Quantity = binary.BigEndian.Uint16(pdu[3:5])
		byteCount := int(pdu[5])
		if byteCount != 2*int(req.Quantity) || len(pdu)-6 != byteCount {
			return req, fmt.Errorf("%w: %v", domain.ErrFrame, errShortRegisters)
		}
		req.Values = unpackRegisters(pdu[6:])

	default:
		// Unknown functions still decode so the device can answer
		// with an illegal-function exception.
	}

	return req, nil
}

// EncodeResponse builds the response ADU answering req.
func EncodeResponse(f Framing, req Request, res Response) []byte {
	var pdu []byte

	switch req.Function {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		pdu = make([]byte, 2+2*len(res.Registers))
		pdu[0] = req.Function
		pdu[1] = byte(2 * len(res.Registers))
		packRegisters(pdu[2:], res.Registers)

	case FuncWriteSingleRegister:
		pdu = make([]byte, 5)
		pdu[0] = req.Function
		binary.BigEndian.PutUint16(pdu[1:3], req.Address)
		binary.BigEndian.PutUint16(pdu[3:5], req.Values[0])

	default:
		pdu = make([]byte, 5)
		pdu[0] = req.Function
		binary.BigEndian.PutUint16(pdu[1:3], req.Address)
		binary.BigEndian.PutUint16(pdu[3:5], req.Quantity)
	}

	return wrap(Target{Framing: f, SlaveID: req.SlaveID, TransactionID: req.TransactionID}, pdu)
}

// EncodeException builds an exception response ADU answering req.
func EncodeException(f Framing, req Request, code domain.ExceptionCode) []byte {
	pdu := []byte{req.Function | exceptionBit, byte(code)}
	return wrap(Target{Framing: f, SlaveID: req.SlaveID, TransactionID: req.TransactionID}, pdu)
}
