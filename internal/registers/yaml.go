// internal/registers/yaml.go
package registers

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/benck/ha-medole/internal/domain"
)

//go:embed medole.yaml
var medoleYAML []byte

// File is the on-disk register map document.
type File struct {
	MaxGap    uint16       `yaml:"max_gap"`
	Registers []Descriptor `yaml:"registers"`
}

// Load parses a register map document.
func Load(r io.Reader) (*Map, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: register map: %v", domain.ErrConfig, err)
	}

	return New(f.Registers, WithMaxGap(f.MaxGap))
}

// LoadFile parses a register map document from disk.
func LoadFile(path string) (*Map, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: register map: %v", domain.ErrConfig, err)
	}
	return Load(bytes.NewReader(b))
}

// Medole returns the built-in register map of the Medole dehumidifier.
func Medole() (*Map, error) {
	return Load(bytes.NewReader(medoleYAML))
}
