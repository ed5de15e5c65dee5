// internal/devicesim/server.go
package devicesim

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/simonvetter/modbus"

	"github.com/benck/ha-medole/internal/domain"
)

// Handler adapts a Bank to a Modbus TCP server.
// A zero unit answers every unit id.
type Handler struct {
	bank   *Bank
	unit   uint8
	logger zerolog.Logger
}

// NewHandler returns a server handler backed by bank.
func NewHandler(bank *Bank, unit uint8, logger zerolog.Logger) *Handler {
	return &Handler{bank: bank, unit: unit, logger: logger}
}

func (h *Handler) accepts(unit uint8) bool {
	return h.unit == 0 || unit == h.unit
}

func (h *Handler) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *Handler) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *Handler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if !h.accepts(req.UnitId) {
		return nil, modbus.ErrGWTargetFailedToRespond
	}
	if req.IsWrite {
		err := h.bank.WriteHolding(req.Addr, req.Args)
		h.logger.Debug().
			Uint8("unit", req.UnitId).
			Uint16("addr", req.Addr).
			Interface("values", req.Args).
			Err(err).
			Msg("write holding registers")
		return nil, toServerError(err)
	}

	regs, err := h.bank.ReadHolding(req.Addr, req.Quantity)
	return regs, toServerError(err)
}

func (h *Handler) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	if !h.accepts(req.UnitId) {
		return nil, modbus.ErrGWTargetFailedToRespond
	}
	regs, err := h.bank.ReadInput(req.Addr, req.Quantity)
	return regs, toServerError(err)
}

// NewServer builds a Modbus TCP server for bank listening on url
// (e.g. "tcp://0.0.0.0:5020"). The caller starts and stops it.
func NewServer(url string, bank *Bank, unit uint8, logger zerolog.Logger) (*modbus.ModbusServer, error) {
	return modbus.NewServer(&modbus.ServerConfiguration{
		URL:        url,
		Timeout:    30 * time.Second,
		MaxClients: 5,
	}, NewHandler(bank, unit, logger))
}

func toServerError(err error) error {
	if err == nil {
		return nil
	}
	var dev *domain.DeviceExceptionError
	if !errors.As(err, &dev) {
		return modbus.ErrServerDeviceFailure
	}
	switch dev.Code {
	case domain.ExceptionIllegalFunction:
		return modbus.ErrIllegalFunction
	case domain.ExceptionIllegalDataAddress:
		return modbus.ErrIllegalDataAddress
	case domain.ExceptionIllegalDataValue:
		return modbus.ErrIllegalDataValue
	default:
		return modbus.ErrServerDeviceFailure
	}
}
