// internal/domain/errors.go
package domain

import (
	"context"
	"errors"
	"fmt"
)

// ---- TRANSPORT / PROTOCOL ----

var (
	ErrConnection = errors.New("connection error")
	ErrFrame      = errors.New("frame error")
	ErrTimeout    = errors.New("timeout")

	// ErrDeviceException matches any *DeviceExceptionError via errors.Is.
	ErrDeviceException = errors.New("device exception")
)

// ---- WRITE VALIDATION ----

var (
	ErrInvalidAttribute = errors.New("invalid attribute")
	ErrValueRange       = errors.New("value out of range")
	ErrNotWritable      = errors.New("attribute not writable")
)

// ---- LIFECYCLE ----

var (
	ErrConfig  = errors.New("config error")
	ErrStopped = errors.New("coordinator stopped")
)

// ExceptionCode is the one-byte code of a Modbus exception response.
type ExceptionCode byte

const (
	ExceptionIllegalFunction        ExceptionCode = 0x01
	ExceptionIllegalDataAddress     ExceptionCode = 0x02
	ExceptionIllegalDataValue       ExceptionCode = 0x03
	ExceptionServerDeviceFailure    ExceptionCode = 0x04
	ExceptionAcknowledge            ExceptionCode = 0x05
	ExceptionServerDeviceBusy       ExceptionCode = 0x06
	ExceptionNegativeAcknowledge    ExceptionCode = 0x07
	ExceptionMemoryParityError      ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable ExceptionCode = 0x0A
	ExceptionGatewayTargetFailed    ExceptionCode = 0x0B
)

func (c ExceptionCode) String() string {
	switch c {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionNegativeAcknowledge:
		return "negative acknowledge"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetFailed:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("exception 0x%02X", byte(c))
	}
}

// DeviceExceptionError is a protocol-level rejection reported by the device.
type DeviceExceptionError struct {
	Function byte
	Code     ExceptionCode
}

func (e *DeviceExceptionError) Error() string {
	return fmt.Sprintf("device exception: fc=0x%02X code=0x%02X (%s)", e.Function, byte(e.Code), e.Code)
}

func (e *DeviceExceptionError) Is(target error) bool {
	return target == ErrDeviceException
}

// ---- CLASSIFICATION ----

// ErrorKind names one entry of the error taxonomy.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindConnection
	KindFrame
	KindDeviceException
	KindTimeout
	KindInvalidAttribute
	KindValueRange
	KindNotWritable
	KindConfig
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnection:
		return "connection"
	case KindFrame:
		return "frame"
	case KindDeviceException:
		return "device_exception"
	case KindTimeout:
		return "timeout"
	case KindInvalidAttribute:
		return "invalid_attribute"
	case KindValueRange:
		return "value_range"
	case KindNotWritable:
		return "not_writable"
	case KindConfig:
		return "config"
	default:
		return "other"
	}
}

// KindOf classifies err. Wrapped errors are classified by the most specific
// cause: a timeout wrapped into a connection error reports KindTimeout.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrFrame):
		return KindFrame
	case errors.Is(err, ErrDeviceException):
		return KindDeviceException
	case errors.Is(err, ErrConnection), errors.Is(err, ErrStopped):
		return KindConnection
	case errors.Is(err, ErrInvalidAttribute):
		return KindInvalidAttribute
	case errors.Is(err, ErrValueRange):
		return KindValueRange
	case errors.Is(err, ErrNotWritable):
		return KindNotWritable
	case errors.Is(err, ErrConfig):
		return KindConfig
	default:
		return KindOther
	}
}

// IsTransient reports whether a read may be retried on the same connection.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrFrame) {
		return true
	}
	var dev *DeviceExceptionError
	if errors.As(err, &dev) {
		return dev.Code == ExceptionServerDeviceBusy || dev.Code == ExceptionAcknowledge
	}
	return false
}
