package common

import (
	"fmt"
	"time"
)

// Frame is one CAN message as received from the socket. It is never
// modified after receipt.
type Frame struct {
	ID         uint32    // Arbitration ID without flag bits (11 or 29 bit)
	Extended   bool      // 29-bit identifier
	Data       []byte    // Payload, up to 8 bytes
	ReceivedAt time.Time // Receipt time
}

// HexID renders the identifier the way the dashboard displays it, e.g. "0x12A".
func (f Frame) HexID() string {
	return FormatID(f.ID)
}

// FormatID renders a CAN identifier as an upper-case hex string with 0x prefix.
func FormatID(id uint32) string {
	return fmt.Sprintf("0x%X", id)
}

// Message is the display form of a Frame sent to UI clients.
type Message struct {
	ID        string `json:"id"`        // Identifier, e.g. "0x123"
	Name      string `json:"name"`      // Known signal name or "Unknown (0x...)"
	Data      []int  `json:"data"`      // Payload bytes as numbers
	Timestamp int64  `json:"timestamp"` // Receipt time, unix milliseconds
}

// NewMessage builds the display form of a frame under the given label.
func NewMessage(f Frame, name string) Message {
	data := make([]int, len(f.Data))
	for i, b := range f.Data {
		data[i] = int(b)
	}
	return Message{
		ID:        f.HexID(),
		Name:      name,
		Data:      data,
		Timestamp: f.ReceivedAt.UnixMilli(),
	}
}

// ConnectionStatus describes the state of the CAN link. Values are compared
// with == to decide whether a change must be broadcast.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Interface string `json:"interface"`
	Bitrate   uint32 `json:"bitrate"`
	Error     string `json:"error,omitempty"`
}

// InitialStatus is the status before the first probe.
func InitialStatus() ConnectionStatus {
	return ConnectionStatus{Connected: false, Interface: "unknown"}
}

// Disconnected returns a copy of s marked as disconnected with the given reason.
func (s ConnectionStatus) Disconnected(reason string) ConnectionStatus {
	s.Connected = false
	s.Error = reason
	return s
}

// DecodedData holds the last decoded value of every known signal.
type DecodedData struct {
	RPM              float64 `json:"rpm"`
	Speed            float64 `json:"speed"`
	CoolantTemp      float64 `json:"coolantTemp"`
	FuelLevel        float64 `json:"fuelLevel"`
	BatteryVoltage   float64 `json:"batteryVoltage"`
	OutdoorTemp      float64 `json:"outdoorTemp"`
	OilPressure      float64 `json:"oilPressure"`
	TransmissionTemp float64 `json:"transmissionTemp"`
}

// Signal keys as used in DecodedData's JSON form and in frame event deltas.
const (
	KeyRPM              = "rpm"
	KeySpeed            = "speed"
	KeyCoolantTemp      = "coolantTemp"
	KeyFuelLevel        = "fuelLevel"
	KeyBatteryVoltage   = "batteryVoltage"
	KeyOutdoorTemp      = "outdoorTemp"
	KeyOilPressure      = "oilPressure"
	KeyTransmissionTemp = "transmissionTemp"
)

// Set stores value under key. It reports false for an unknown key.
func (d *DecodedData) Set(key string, value float64) bool {
	switch key {
	case KeyRPM:
		d.RPM = value
	case KeySpeed:
		d.Speed = value
	case KeyCoolantTemp:
		d.CoolantTemp = value
	case KeyFuelLevel:
		d.FuelLevel = value
	case KeyBatteryVoltage:
		d.BatteryVoltage = value
	case KeyOutdoorTemp:
		d.OutdoorTemp = value
	case KeyOilPressure:
		d.OilPressure = value
	case KeyTransmissionTemp:
		d.TransmissionTemp = value
	default:
		return false
	}
	return true
}

// CommandMessage is a remote command received over MQTT.
type CommandMessage struct {
	Command       string `json:"command" cbor:"command"`               // "send" or "status"
	CorrelationID string `json:"correlation_id" cbor:"correlation_id"` // Echoed back in the response
	ID            uint32 `json:"id" cbor:"id"`                         // CAN identifier for "send"
	Data          []int  `json:"data" cbor:"data"`                     // Payload for "send"
}

// CommandResponse is the answer to a CommandMessage.
type CommandResponse struct {
	CorrelationID string      `json:"correlation_id" cbor:"correlation_id"`
	Status        string      `json:"status" cbor:"status"`                   // "success", "error"
	Result        interface{} `json:"result,omitempty" cbor:"result,omitempty"`
	Error         string      `json:"error,omitempty" cbor:"error,omitempty"`
	Timestamp     time.Time   `json:"timestamp" cbor:"timestamp"`
}
