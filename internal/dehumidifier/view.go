// internal/dehumidifier/view.go
package dehumidifier

import (
	"strings"
	"time"

	"github.com/benck/ha-medole/internal/status"
)

// Attribute names of the built-in Medole register map.
const (
	AttrTemperature1      = "temperature1"
	AttrHumidity1         = "humidity1"
	AttrTemperature2      = "temperature2"
	AttrHumidity2         = "humidity2"
	AttrOperationStatus   = "operationStatus"
	AttrPipeTemperature   = "pipeTemperature"
	AttrFanOperationHours = "fanOperationHours"
	AttrFanAlarmHours     = "fanAlarmHours"
	AttrPower             = "power"
	AttrFanSpeed          = "fanSpeed"
	AttrTargetHumidity    = "targetHumidity"
	AttrDehumidifyMode    = "dehumidifyMode"
	AttrPurifyMode        = "purifyMode"
	AttrClockTime         = "clockTime"
	AttrClockSeconds      = "clockSeconds"
	AttrWeekday           = "weekday"
)

// operationStatus bits
const (
	StatusCompressorOn        = 0x0080
	StatusFanOn               = 0x0040
	StatusPipeTempError       = 0x0010
	StatusHumiditySensorError = 0x0008
	StatusRoomTempError       = 0x0004
	StatusWaterFullError      = 0x0002
	StatusHighPressureError   = 0x0800
	StatusLowPressureError    = 0x0400
)

const (
	MinHumidity = 20
	MaxHumidity = 90

	// ContinuousHumidity is the setpoint for continuous dehumidification.
	ContinuousHumidity = 0
)

type Action string

const (
	ActionOff    Action = "off"
	ActionDrying Action = "drying"
	ActionIdle   Action = "idle"
)

type FanMode string

const (
	FanLow    FanMode = "low"
	FanMedium FanMode = "medium"
	FanHigh   FanMode = "high"
)

var fanSpeeds = map[FanMode]uint16{
	FanLow:    1,
	FanMedium: 2,
	FanHigh:   3,
}

// FanModes lists the modes in speed order.
func FanModes() []FanMode { return []FanMode{FanLow, FanMedium, FanHigh} }

// ParseFanMode accepts a mode name in any case.
func ParseFanMode(s string) (FanMode, bool) {
	m := FanMode(strings.ToLower(strings.TrimSpace(s)))
	_, ok := fanSpeeds[m]
	return m, ok
}

func fanModeOf(speed uint16) FanMode {
	for m, v := range fanSpeeds {
		if v == speed {
			return m
		}
	}
	return FanMedium
}

// Faults are the error bits of operationStatus.
type Faults struct {
	PipeTemp       bool `json:"pipe_temp_error"`
	HumiditySensor bool `json:"humidity_sensor_error"`
	RoomTemp       bool `json:"room_temp_error"`
	WaterFull      bool `json:"water_full_error"`
	HighPressure   bool `json:"high_pressure_error"`
	LowPressure    bool `json:"low_pressure_error"`
}

func faultsOf(op uint16) Faults {
	return Faults{
		PipeTemp:       op&StatusPipeTempError != 0,
		HumiditySensor: op&StatusHumiditySensorError != 0,
		RoomTemp:       op&StatusRoomTempError != 0,
		WaterFull:      op&StatusWaterFullError != 0,
		HighPressure:   op&StatusHighPressureError != 0,
		LowPressure:    op&StatusLowPressureError != 0,
	}
}

// List returns the names of the active faults.
func (f Faults) List() []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(f.PipeTemp, "pipe_temp_error")
	add(f.HumiditySensor, "humidity_sensor_error")
	add(f.RoomTemp, "room_temp_error")
	add(f.WaterFull, "water_full_error")
	add(f.HighPressure, "high_pressure_error")
	add(f.LowPressure, "low_pressure_error")
	return out
}

// View is the dehumidifier as a host renders it. Fields are nil when the
// snapshot lacks the attribute.
type View struct {
	Online      bool      `json:"online"`
	LastUpdated time.Time `json:"last_updated"`

	On              bool      `json:"is_on"`
	Action          Action    `json:"action"`
	CurrentHumidity *float64  `json:"current_humidity,omitempty"`
	TargetHumidity  *float64  `json:"target_humidity,omitempty"`
	Continuous      bool      `json:"continuous"`
	FanMode         FanMode   `json:"fan_mode,omitempty"`
	FanModes        []FanMode `json:"fan_modes"`

	Temperature1    *float64 `json:"temperature1,omitempty"`
	Temperature2    *float64 `json:"temperature2,omitempty"`
	Humidity2       *float64 `json:"humidity2,omitempty"`
	PipeTemperature *float64 `json:"pipe_temperature,omitempty"`
	FanHours        *float64 `json:"fan_operation_hours,omitempty"`
	FanAlarmHours   *float64 `json:"fan_alarm_hours,omitempty"`

	CompressorOn bool   `json:"compressor_on"`
	FanOn        bool   `json:"fan_on"`
	Faults       Faults `json:"faults"`
	Status       string `json:"status"`
}

// FromSnapshot derives the view from a snapshot.
func FromSnapshot(s status.Snapshot) View {
	v := View{
		Online:      s.Online(),
		LastUpdated: s.LastUpdated(),
	}

	v.On = boolOf(s, AttrPower)
	v.FanModes = FanModes()

	op, hasOp := uintOf(s, AttrOperationStatus)
	if hasOp {
		v.CompressorOn = op&StatusCompressorOn != 0
		v.FanOn = op&StatusFanOn != 0
		v.Faults = faultsOf(op)
	}

	switch {
	case !v.On:
		v.Action = ActionOff
	case v.CompressorOn:
		v.Action = ActionDrying
	default:
		v.Action = ActionIdle
	}

	v.CurrentHumidity = floatOf(s, AttrHumidity1)
	if target, ok := uintOf(s, AttrTargetHumidity); ok {
		t := float64(target)
		if target == ContinuousHumidity {
			v.Continuous = true
			t = MinHumidity
		}
		v.TargetHumidity = &t
	}
	if speed, ok := uintOf(s, AttrFanSpeed); ok {
		v.FanMode = fanModeOf(speed)
	}

	v.Temperature1 = floatOf(s, AttrTemperature1)
	v.Temperature2 = floatOf(s, AttrTemperature2)
	v.Humidity2 = floatOf(s, AttrHumidity2)
	v.PipeTemperature = floatOf(s, AttrPipeTemperature)
	v.FanHours = floatOf(s, AttrFanOperationHours)
	v.FanAlarmHours = floatOf(s, AttrFanAlarmHours)

	switch {
	case !hasOp:
		v.Status = "unknown"
	case len(v.Faults.List()) > 0:
		v.Status = "error: " + strings.Join(v.Faults.List(), ", ")
	case v.CompressorOn:
		v.Status = "dehumidifying"
	case v.FanOn:
		v.Status = "fan_only"
	default:
		v.Status = "idle"
	}

	return v
}

// ---- value helpers ----

func boolOf(s status.Snapshot, name string) bool {
	v, ok := s.Value(name)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	default:
		n, ok := number(v)
		return ok && n != 0
	}
}

func uintOf(s status.Snapshot, name string) (uint16, bool) {
	v, ok := s.Value(name)
	if !ok {
		return 0, false
	}
	n, ok := number(v)
	if !ok || n < 0 {
		return 0, false
	}
	return uint16(n), true
}

func floatOf(s status.Snapshot, name string) *float64 {
	v, ok := s.Value(name)
	if !ok {
		return nil
	}
	n, ok := number(v)
	if !ok {
		return nil
	}
	return &n
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case uint16:
		return float64(n), true
	case int16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
