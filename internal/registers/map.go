// internal/registers/map.go
package registers

import (
	"fmt"
	"sort"

	"github.com/benck/ha-medole/internal/codec"
	"github.com/benck/ha-medole/internal/domain"
)

// Span is one contiguous read request covering one or more attributes.
type Span struct {
	Table    Table
	Start    uint16
	Count    uint16
	Optional bool

	Descriptors []Descriptor
}

// Function returns the read function code for the span.
func (s Span) Function() byte {
	return s.Table.Function()
}

// Map is an immutable register map, validated at construction.
type Map struct {
	descs  []Descriptor // declaration order
	byName map[string]int
	spans  []Span
	maxGap uint16
}

// Option tunes span grouping.
type Option func(*Map)

// WithMaxGap lets a span bridge up to gap unmapped registers.
func WithMaxGap(gap uint16) Option {
	return func(m *Map) { m.maxGap = gap }
}

// New validates descriptors and builds the read plan.
// Overlapping or out-of-range descriptors fail here, never at poll time.
func New(descs []Descriptor, opts ...Option) (*Map, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: register map is empty", domain.ErrConfig)
	}

	m := &Map{
		descs:  make([]Descriptor, 0, len(descs)),
		byName: make(map[string]int, len(descs)),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, d := range descs {
		d = normalize(d)
		if err := validateDescriptor(d); err != nil {
			return nil, err
		}
		if _, dup := m.byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate attribute %q", domain.ErrConfig, d.Name)
		}
		m.byName[d.Name] = len(m.descs)
		m.descs = append(m.descs, d)
	}

	sorted := make([]Descriptor, len(m.descs))
	copy(sorted, m.descs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Table != sorted[j].Table {
			return sorted[i].Table < sorted[j].Table
		}
		return sorted[i].Address < sorted[j].Address
	})

	// overlap check (inclusive), per table
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Table != cur.Table {
			continue
		}
		if prev.last() >= uint32(cur.Address) {
			return nil, fmt.Errorf(
				"%w: register overlap: %q range=%d-%d overlaps %q range=%d-%d",
				domain.ErrConfig,
				cur.Name, cur.Address, cur.last(),
				prev.Name, prev.Address, prev.last(),
			)
		}
	}

	m.spans = groupSpans(sorted, m.maxGap)
	return m, nil
}

// Descriptors returns all attributes in declaration order.
func (m *Map) Descriptors() []Descriptor {
	out := make([]Descriptor, len(m.descs))
	copy(out, m.descs)
	return out
}

// Spans returns the read plan: the minimum contiguous spans covering the map.
func (m *Map) Spans() []Span {
	out := make([]Span, len(m.spans))
	copy(out, m.spans)
	return out
}

// Resolve looks up one attribute by name.
func (m *Map) Resolve(name string) (Descriptor, error) {
	i, ok := m.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", domain.ErrInvalidAttribute, name)
	}
	return m.descs[i], nil
}

// DecodeSpan decodes the registers read for span into attribute values.
func (m *Map) DecodeSpan(span Span, regs []uint16) (map[string]any, error) {
	if len(regs) != int(span.Count) {
		return nil, fmt.Errorf("%w: span %d+%d returned %d registers", domain.ErrFrame, span.Start, span.Count, len(regs))
	}

	out := make(map[string]any, len(span.Descriptors))
	for _, d := range span.Descriptors {
		off := int(d.Address - span.Start)
		v, err := Decode(d, regs[off:off+int(d.Count)])
		if err != nil {
			return nil, err
		}
		out[d.Name] = v
	}
	return out, nil
}

// Write is a validated, encoded write command.
type Write struct {
	Descriptor Descriptor
	Registers  []uint16

	// Value is what a subsequent read would decode to.
	Value any
}

// PrepareWrite validates a write command and encodes it.
// Nothing here touches the bus.
func (m *Map) PrepareWrite(name string, value any) (Write, error) {
	d, err := m.Resolve(name)
	if err != nil {
		return Write{}, err
	}
	if !d.Writable() {
		return Write{}, fmt.Errorf("%w: %q", domain.ErrNotWritable, name)
	}

	v, err := toFloat64(value)
	if err != nil {
		return Write{}, fmt.Errorf("%w: %q: %v", domain.ErrValueRange, name, err)
	}

	if d.Range != nil && !d.isSentinel(v) && (v < d.Range.Min || v > d.Range.Max) {
		return Write{}, fmt.Errorf("%w: %q=%v outside [%v, %v]", domain.ErrValueRange, name, v, d.Range.Min, d.Range.Max)
	}

	regs, err := encodeFloat(d, v)
	if err != nil {
		return Write{}, fmt.Errorf("%w: %q: %v", domain.ErrValueRange, name, err)
	}

	decoded, err := Decode(d, regs)
	if err != nil {
		return Write{}, err
	}

	return Write{Descriptor: d, Registers: regs, Value: decoded}, nil
}

// ---- construction helpers ----

func normalize(d Descriptor) Descriptor {
	if d.Table == "" {
		d.Table = Holding
	}
	if d.Access == "" {
		d.Access = ReadOnly
	}
	if d.Count == 0 {
		if w := d.Type.width(); w > 0 {
			d.Count = uint16(w)
		} else {
			d.Count = 1
		}
	}
	if d.Type == Scaled && d.Scale == 0 {
		d.Scale = 1
	}
	return d
}

func validateDescriptor(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: attribute at address %d has no name", domain.ErrConfig, d.Address)
	}

	w := d.Type.width()
	switch {
	case w < 0:
		return fmt.Errorf("%w: %q: unknown data type %q", domain.ErrConfig, d.Name, d.Type)
	case w == 0 && d.Count != 1 && d.Count != 2:
		return fmt.Errorf("%w: %q: %s needs 1 or 2 registers, got %d", domain.ErrConfig, d.Name, d.Type, d.Count)
	case w > 0 && int(d.Count) != w:
		return fmt.Errorf("%w: %q: %s needs %d registers, got %d", domain.ErrConfig, d.Name, d.Type, w, d.Count)
	}

	if d.last() > 0xFFFF {
		return fmt.Errorf("%w: %q: registers %d+%d exceed address space", domain.ErrConfig, d.Name, d.Address, d.Count)
	}

	switch d.Table {
	case Holding:
	case Input:
		if d.Writable() {
			return fmt.Errorf("%w: %q: input registers are read-only", domain.ErrConfig, d.Name)
		}
	default:
		return fmt.Errorf("%w: %q: unknown table %q", domain.ErrConfig, d.Name, d.Table)
	}

	if d.Access != ReadOnly && d.Access != ReadWrite {
		return fmt.Errorf("%w: %q: unknown access %q", domain.ErrConfig, d.Name, d.Access)
	}
	if d.Range != nil && d.Range.Min > d.Range.Max {
		return fmt.Errorf("%w: %q: range min %v > max %v", domain.ErrConfig, d.Name, d.Range.Min, d.Range.Max)
	}
	return nil
}

// groupSpans merges address-sorted descriptors into read spans. A new span
// starts on a table or optional-flag change, a gap wider than maxGap, or
// when the span would exceed the protocol read limit.
func groupSpans(sorted []Descriptor, maxGap uint16) []Span {
	var spans []Span

	for _, d := range sorted {
		if n := len(spans); n > 0 {
			s := &spans[n-1]
			end := uint32(s.Start) + uint32(s.Count) // next unread address
			gap := uint32(d.Address) - end

			if s.Table == d.Table &&
				s.Optional == d.Optional &&
				uint32(d.Address) >= end &&
				gap <= uint32(maxGap) &&
				d.last()-uint32(s.Start)+1 <= codec.MaxReadQuantity {
				s.Count = uint16(d.last() - uint32(s.Start) + 1)
				s.Descriptors = append(s.Descriptors, d)
				continue
			}
		}

		spans = append(spans, Span{
			Table:       d.Table,
			Start:       d.Address,
			Count:       d.Count,
			Optional:    d.Optional,
			Descriptors: []Descriptor{d},
		})
	}

	return spans
}
