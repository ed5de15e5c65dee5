// internal/domain/errors_test.go
package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"timeout", fmt.Errorf("%w: no response", ErrTimeout), KindTimeout},
		{"timeout inside connection", fmt.Errorf("%w: %w", ErrConnection, ErrTimeout), KindTimeout},
		{"frame", fmt.Errorf("%w: bad crc", ErrFrame), KindFrame},
		{"exception", &DeviceExceptionError{Function: 3, Code: ExceptionIllegalDataAddress}, KindDeviceException},
		{"connection", fmt.Errorf("%w: refused", ErrConnection), KindConnection},
		{"range", fmt.Errorf("%w: 85", ErrValueRange), KindValueRange},
		{"config", fmt.Errorf("%w: slave_id", ErrConfig), KindConfig},
		{"other", errors.New("boom"), KindOther},
	}

	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: KindOf=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestDeviceExceptionError_Is(t *testing.T) {
	err := fmt.Errorf("write: %w", &DeviceExceptionError{Function: 6, Code: ExceptionIllegalDataValue})

	if !errors.Is(err, ErrDeviceException) {
		t.Fatalf("expected errors.Is(ErrDeviceException)")
	}

	var dev *DeviceExceptionError
	if !errors.As(err, &dev) {
		t.Fatalf("expected errors.As to find DeviceExceptionError")
	}
	if dev.Code != ExceptionIllegalDataValue {
		t.Fatalf("code=%v want=%v", dev.Code, ExceptionIllegalDataValue)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(ErrTimeout) || !IsTransient(ErrFrame) {
		t.Fatalf("timeout and frame errors must be transient")
	}
	if !IsTransient(&DeviceExceptionError{Code: ExceptionServerDeviceBusy}) {
		t.Fatalf("busy exception must be transient")
	}
	if IsTransient(&DeviceExceptionError{Code: ExceptionIllegalDataAddress}) {
		t.Fatalf("illegal address must not be transient")
	}
	if IsTransient(ErrConnection) {
		t.Fatalf("connection errors are handled by reconnect, not retry")
	}
}
