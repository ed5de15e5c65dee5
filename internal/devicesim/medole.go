// internal/devicesim/medole.go
package devicesim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/benck/ha-medole/internal/registers"
)

// ---- OPERATION STATUS BITS ----

const (
	StatusCompressorOn uint16 = 0x80
	StatusFanOn        uint16 = 0x40
)

const (
	minHumidity = 20
	maxHumidity = 90
)

// Medole simulates a Medole dehumidifier behind a register bank.
type Medole struct {
	bank *Bank
	addr map[string]uint16
	rng  *rand.Rand
	now  func() time.Time

	fanHours float64
	humidity map[string]float64
}

// NewMedole builds a bank laid out like the built-in register map and
// loads the power-on defaults: 25.5 °C, 60 %, fan on, setpoint 50 %.
func NewMedole(seed int64, now func() time.Time) (*Medole, error) {
	m, err := registers.Medole()
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}

	sim := &Medole{
		bank: NewBank(),
		addr: make(map[string]uint16),
		rng:  rand.New(rand.NewSource(seed)),
		now:  now,

		humidity: map[string]float64{"humidity1": 60, "humidity2": 60},
	}
	for _, d := range m.Descriptors() {
		sim.addr[d.Name] = d.Address
	}

	for name, v := range map[string]uint16{
		"temperature1":      0x0519, // 25.5
		"humidity1":         60,
		"temperature2":      0x001A, // 26.0
		"humidity2":         60,
		"operationStatus":   StatusFanOn,
		"pipeTemperature":   0x000F, // 15.0
		"fanOperationHours": 100,
		"fanAlarmHours":     2400,
		"power":             0,
		"fanSpeed":          1,
		"targetHumidity":    50,
		"dehumidifyMode":    0,
		"purifyMode":        0,
		"timerFunction":     0,
	} {
		a, ok := sim.addr[name]
		if !ok {
			return nil, fmt.Errorf("devicesim: register %q missing from map", name)
		}
		sim.bank.SetHolding(a, v)
	}
	sim.fanHours = 100

	sim.bank.Update(func(h map[uint16]uint16) { sim.writeClock(h) })
	return sim, nil
}

// Bank exposes the simulated register memory.
func (m *Medole) Bank() *Bank { return m.bank }

// Address returns the register address of a named attribute.
func (m *Medole) Address(name string) uint16 { return m.addr[name] }

// Step advances the simulation by one tick.
func (m *Medole) Step() {
	m.bank.Update(func(h map[uint16]uint16) {
		power := h[m.addr["power"]]
		dehumidify := h[m.addr["dehumidifyMode"]]
		setpoint := h[m.addr["targetHumidity"]]
		humidity := h[m.addr["humidity1"]]

		var status uint16
		switch {
		case power == 1 && dehumidify == 1:
			if setpoint == 0 || humidity > setpoint {
				status |= StatusCompressorOn | StatusFanOn
			} else {
				status |= StatusFanOn
			}
		case power == 1:
			status |= StatusFanOn
		}
		h[m.addr["operationStatus"]] = status

		for _, name := range []string{"humidity1", "humidity2"} {
			a := m.addr[name]
			cur := m.humidity[name]
			if uint16(cur) != h[a] {
				cur = float64(h[a]) // set from outside
			}
			if status&StatusCompressorOn != 0 {
				cur -= m.rng.Float64()
			} else {
				cur += m.rng.Float64() * 0.5
			}
			cur = clamp(cur, minHumidity, maxHumidity)
			m.humidity[name] = cur
			h[a] = uint16(cur)
		}

		for _, name := range []string{"temperature1", "temperature2"} {
			a := m.addr[name]
			t := decodeDecimal8(h[a]) + (m.rng.Float64()*0.4 - 0.2)
			h[a] = encodeDecimal8(t)
		}

		if status&StatusFanOn != 0 {
			m.fanHours += 0.01
			h[m.addr["fanOperationHours"]] = uint16(m.fanHours)
		}

		m.writeClock(h)
	})
}

// Run steps the simulation every interval until ctx is done.
func (m *Medole) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Step()
		}
	}
}

func (m *Medole) writeClock(h map[uint16]uint16) {
	now := m.now()
	h[m.addr["clockTime"]] = uint16(now.Minute())<<8 | uint16(now.Hour())
	h[m.addr["clockSeconds"]] = uint16(now.Second())
	h[m.addr["weekday"]] = uint16(now.Weekday()) + 1 // 1 = Sunday
}

func decodeDecimal8(v uint16) float64 {
	return float64(v&0xFF) + float64(v>>8)/10
}

func encodeDecimal8(t float64) uint16 {
	d := int(math.Round(clamp(t, 0, 255) * 10))
	return uint16(d%10)<<8 | uint16(d/10)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
