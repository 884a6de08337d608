package signal

import (
	"fmt"
	"sort"

	"can-dashboard/common"
)

// Signal is one physical value decoded from a frame payload.
type Signal struct {
	ID    uint32  `json:"-"`
	Key   string  `json:"key"`   // Field name in DecodedData, e.g. "rpm"
	Name  string  `json:"name"`  // Display name, e.g. "Engine RPM"
	Value float64 `json:"value"` // Decoded value
	Unit  string  `json:"unit"`  // Unit of measurement
}

// Rule describes how to extract one scalar from a payload:
// value = raw * Mul / Div + Bias, where raw is the big-endian unsigned
// integer made of Width bytes starting at Offset.
type Rule struct {
	Key    string
	Name   string
	Unit   string
	Offset int
	Width  int
	Mul    float64
	Div    float64
	Bias   float64
}

// extract applies the rule to payload. It reports false when the payload
// is too short.
func (r Rule) extract(payload []byte) (float64, bool) {
	if r.Width <= 0 || len(payload) < r.Offset+r.Width {
		return 0, false
	}
	var raw uint64
	for _, b := range payload[r.Offset : r.Offset+r.Width] {
		raw = raw<<8 | uint64(b)
	}
	return float64(raw)*r.Mul/r.Div + r.Bias, true
}

// rules maps known identifiers to their extraction rules.
var rules = map[uint32]Rule{
	0x123: {Key: common.KeyRPM, Name: "Engine RPM", Unit: "rpm", Width: 2, Mul: 1, Div: 1},
	0x124: {Key: common.KeySpeed, Name: "Vehicle Speed", Unit: "km/h", Width: 1, Mul: 1, Div: 1},
	0x125: {Key: common.KeyCoolantTemp, Name: "Coolant Temperature", Unit: "°C", Width: 1, Mul: 1, Div: 1, Bias: -40},
	0x126: {Key: common.KeyFuelLevel, Name: "Fuel Level", Unit: "%", Width: 1, Mul: 100, Div: 255},
	0x127: {Key: common.KeyBatteryVoltage, Name: "Battery Voltage", Unit: "V", Width: 1, Mul: 1, Div: 10},
	0x128: {Key: common.KeyOutdoorTemp, Name: "Outdoor Temperature", Unit: "°C", Width: 1, Mul: 1, Div: 1, Bias: -40},
	0x129: {Key: common.KeyOilPressure, Name: "Oil Pressure", Unit: "bar", Width: 1, Mul: 1, Div: 10},
	0x12A: {Key: common.KeyTransmissionTemp, Name: "Transmission Temperature", Unit: "°C", Width: 1, Mul: 1, Div: 1, Bias: -40},
}

// Decode maps a frame to at most one signal. Unknown identifiers and short
// payloads produce no signal; neither is an error.
func Decode(id uint32, payload []byte) (Signal, bool) {
	rule, ok := rules[id]
	if !ok {
		return Signal{}, false
	}
	value, ok := rule.extract(payload)
	if !ok {
		return Signal{}, false
	}
	return Signal{
		ID:    id,
		Key:   rule.Key,
		Name:  rule.Name,
		Value: value,
		Unit:  rule.Unit,
	}, true
}

// Label returns the display name for an identifier, or "Unknown (0x...)".
func Label(id uint32) string {
	if rule, ok := rules[id]; ok {
		return rule.Name
	}
	return fmt.Sprintf("Unknown (%s)", common.FormatID(id))
}

// Definition describes one decodable identifier.
type Definition struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// Definitions returns the decoding table ordered by identifier.
func Definitions() []Definition {
	ids := make([]uint32, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	defs := make([]Definition, 0, len(ids))
	for _, id := range ids {
		r := rules[id]
		defs = append(defs, Definition{ID: common.FormatID(id), Key: r.Key, Name: r.Name, Unit: r.Unit})
	}
	return defs
}
