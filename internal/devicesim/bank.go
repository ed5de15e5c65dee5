// internal/devicesim/bank.go
package devicesim

import (
	"sync"

	"github.com/benck/ha-medole/internal/codec"
	"github.com/benck/ha-medole/internal/domain"
)

// Bank is the register memory of one simulated slave.
// Only defined addresses can be read or written; anything else answers
// with an illegal-data-address exception, like the real controller.
type Bank struct {
	mu      sync.Mutex
	holding map[uint16]uint16
	input   map[uint16]uint16

	reads  int
	writes int
}

// NewBank returns an empty bank.
func NewBank() *Bank {
	return &Bank{
		holding: make(map[uint16]uint16),
		input:   make(map[uint16]uint16),
	}
}

// SetHolding defines (or overwrites) consecutive holding registers.
func (b *Bank) SetHolding(addr uint16, values ...uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range values {
		b.holding[addr+uint16(i)] = v
	}
}

// SetInput defines (or overwrites) consecutive input registers.
func (b *Bank) SetInput(addr uint16, values ...uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range values {
		b.input[addr+uint16(i)] = v
	}
}

// Holding returns one holding register.
func (b *Bank) Holding(addr uint16) (uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.holding[addr]
	return v, ok
}

// Counts returns the number of read and write requests served.
func (b *Bank) Counts() (reads, writes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads, b.writes
}

// ReadHolding reads qty holding registers.
func (b *Bank) ReadHolding(addr, qty uint16) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	return read(b.holding, codec.FuncReadHoldingRegisters, addr, qty)
}

// ReadInput reads qty input registers.
func (b *Bank) ReadInput(addr, qty uint16) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	return read(b.input, codec.FuncReadInputRegisters, addr, qty)
}

// WriteHolding writes consecutive holding registers. All-or-nothing.
func (b *Bank) WriteHolding(addr uint16, values []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++

	fc := codec.WriteFunction(len(values))
	for i := range values {
		if _, ok := b.holding[addr+uint16(i)]; !ok {
			return &domain.DeviceExceptionError{Function: fc, Code: domain.ExceptionIllegalDataAddress}
		}
	}
	for i, v := range values {
		b.holding[addr+uint16(i)] = v
	}
	return nil
}

// Update runs fn with exclusive access to the holding registers.
func (b *Bank) Update(fn func(holding map[uint16]uint16)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.holding)
}

// Serve answers one request ADU the way the device would. It returns nil
// when the request is addressed to another slave.
func (b *Bank) Serve(f codec.Framing, slaveID byte, adu []byte) ([]byte, error) {
	req, err := codec.DecodeRequest(f, adu)
	if err != nil {
		return nil, err
	}
	if req.SlaveID != slaveID {
		return nil, nil
	}

	var res codec.Response

	switch req.Function {
	case codec.FuncReadHoldingRegisters:
		res.Registers, err = b.ReadHolding(req.Address, req.Quantity)
	case codec.FuncReadInputRegisters:
		res.Registers, err = b.ReadInput(req.Address, req.Quantity)
	case codec.FuncWriteSingleRegister, codec.FuncWriteMultipleRegisters:
		err = b.WriteHolding(req.Address, req.Values)
	default:
		return codec.EncodeException(f, req, domain.ExceptionIllegalFunction), nil
	}

	if dev, ok := err.(*domain.DeviceExceptionError); ok {
		return codec.EncodeException(f, req, dev.Code), nil
	}
	if err != nil {
		return nil, err
	}
	return codec.EncodeResponse(f, req, res), nil
}

func read(mem map[uint16]uint16, fc byte, addr, qty uint16) ([]uint16, error) {
	if qty == 0 || qty > codec.MaxReadQuantity {
		return nil, &domain.DeviceExceptionError{Function: fc, Code: domain.ExceptionIllegalDataValue}
	}
	out := make([]uint16, qty)
	for i := range out {
		v, ok := mem[addr+uint16(i)]
		if !ok {
			return nil, &domain.DeviceExceptionError{Function: fc, Code: domain.ExceptionIllegalDataAddress}
		}
		out[i] = v
	}
	return out, nil
}
