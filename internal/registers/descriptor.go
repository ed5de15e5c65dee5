// internal/registers/descriptor.go
package registers

import "github.com/benck/ha-medole/internal/codec"

// Table selects the register bank an attribute lives in.
type Table string

const (
	Holding Table = "holding" // FC 3, read/write
	Input   Table = "input"   // FC 4, read-only
)

// Function returns the read function code for the table.
func (t Table) Function() byte {
	if t == Input {
		return codec.FuncReadInputRegisters
	}
	return codec.FuncReadHoldingRegisters
}

// DataType describes how raw registers decode into a value.
type DataType string

const (
	Uint16   DataType = "uint16"
	Int16    DataType = "int16"
	Uint32   DataType = "uint32"       // high word first
	Int32    DataType = "int32"        // high word first
	Scaled   DataType = "scaled-float" // signed raw * scale, 1 or 2 registers
	Bool     DataType = "bool"         // non-zero is true
	Decimal8 DataType = "decimal8"     // low byte integer part, high byte tenths
)

// width returns the fixed register count of t, 0 when variable, -1 when unknown.
func (t DataType) width() int {
	switch t {
	case Uint16, Int16, Bool, Decimal8:
		return 1
	case Uint32, Int32:
		return 2
	case Scaled:
		return 0
	default:
		return -1
	}
}

// Access is read-only or read-write.
type Access string

const (
	ReadOnly  Access = "ro"
	ReadWrite Access = "rw"
)

// Range bounds accepted write values (inclusive, engineering units).
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Descriptor describes one logical device attribute.
type Descriptor struct {
	Name    string   `yaml:"name"`
	Address uint16   `yaml:"address"`
	Count   uint16   `yaml:"count"`
	Type    DataType `yaml:"type"`
	Scale   float64  `yaml:"scale"`
	Unit    string   `yaml:"unit"`
	Table   Table    `yaml:"table"`
	Access  Access   `yaml:"access"`

	// Range is checked on write. Sentinels are accepted outside it.
	Range     *Range    `yaml:"range"`
	Sentinels []float64 `yaml:"sentinels"`

	// Optional attributes may be missing on some firmware; a device
	// exception while reading them does not fail the poll cycle.
	Optional bool `yaml:"optional"`
}

// Writable reports whether the attribute accepts writes.
func (d Descriptor) Writable() bool {
	return d.Access == ReadWrite
}

// last returns the last register address covered, inclusive.
func (d Descriptor) last() uint32 {
	return uint32(d.Address) + uint32(d.Count) - 1
}

func (d Descriptor) isSentinel(v float64) bool {
	for _, s := range d.Sentinels {
		if s == v {
			return true
		}
	}
	return false
}
