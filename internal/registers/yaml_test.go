// internal/registers/yaml_test.go
package registers

import (
	"errors"
	"strings"
	"testing"

	"github.com/benck/ha-medole/internal/domain"
)

func TestMedole_Builtin(t *testing.T) {
	m, err := Medole()
	if err != nil {
		t.Fatalf("Medole() err=%v", err)
	}

	if n := len(m.Descriptors()); n != 17 {
		t.Fatalf("expected 17 attributes, got %d", n)
	}

	// 0x6101–0x6106, 0x6111–0x6112, 0x6201–0x6203, 0x6205–0x6206, 0x6401–0x6404
	spans := m.Spans()
	if len(spans) != 5 {
		t.Fatalf("expected 5 spans, got %d", len(spans))
	}
	if spans[0].Start != 0x6101 || spans[0].Count != 6 {
		t.Fatalf("span0=%+v", spans[0])
	}
	if !spans[4].Optional || spans[4].Start != 0x6401 || spans[4].Count != 4 {
		t.Fatalf("span4=%+v", spans[4])
	}

	d, err := m.Resolve("targetHumidity")
	if err != nil {
		t.Fatalf("Resolve err=%v", err)
	}
	if d.Address != 0x6203 || !d.Writable() || d.Range == nil || d.Range.Min != 20 || d.Range.Max != 90 {
		t.Fatalf("targetHumidity=%+v", d)
	}

	if _, err := m.PrepareWrite("targetHumidity", 0); err != nil {
		t.Fatalf("continuous mode sentinel rejected: %v", err)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	doc := `
registers:
  - name: a
    address: 1
    type: uint16
    colour: red
`
	if _, err := Load(strings.NewReader(doc)); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoad_HexAddresses(t *testing.T) {
	doc := `
max_gap: 1
registers:
  - name: a
    address: 0x0010
    type: uint16
  - name: b
    address: 0x0012
    type: int16
    access: rw
    range: {min: -5, max: 5}
`
	m, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if spans := m.Spans(); len(spans) != 1 || spans[0].Start != 0x10 || spans[0].Count != 3 {
		t.Fatalf("spans=%+v", spans)
	}
}
