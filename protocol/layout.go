package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Wire-format constants shared by the command encoder and the frame decoder.
const (
	// commandVersion is the protocol version carried in the first command byte.
	commandVersion byte = 0x01

	// commandSize is the fixed length of an encoded configuration command:
	// version (1) + bitmask (2) + refresh interval (2) + 3 LED groups (4 each).
	commandSize = 17

	// fieldSize is the wire width of every sensor field (float32, little-endian).
	fieldSize = 4

	// MaxFramePayload is the largest logical frame the device firmware can
	// emit. Sensor combinations whose frame would exceed this are rejected
	// by the encoder before any link activity.
	MaxFramePayload = 64

	// FragmentSize is the largest notification payload the link delivers in
	// one message (default ATT MTU minus the 3-byte header). Frames larger
	// than this arrive split across multiple notifications.
	FragmentSize = 20

	// MinRefresh and MaxRefresh bound the device refresh interval.
	MinRefresh = 10 * time.Millisecond
	MaxRefresh = 65535 * time.Millisecond
)

// LED configures one of the device's three RGB outputs.
type LED struct {
	Enabled bool  `yaml:"enabled"`
	Red     uint8 `yaml:"red"`
	Green   uint8 `yaml:"green"`
	Blue    uint8 `yaml:"blue"`
}

// NewLED builds an LED state, clamping each color component to [0, 255].
func NewLED(enabled bool, red, green, blue int) LED {
	return LED{
		Enabled: enabled,
		Red:     clampColor(red),
		Green:   clampColor(green),
		Blue:    clampColor(blue),
	}
}

func clampColor(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Selection declares which sensors the device should stream, how often, and
// the LED outputs. The enabled set determines both the command bitmask and
// the per-frame byte layout; both are derived from sensorTable so they can
// never drift apart.
type Selection struct {
	Acceleration       bool `yaml:"acceleration"`
	LinearAcceleration bool `yaml:"linear_acceleration"`
	Gyroscope          bool `yaml:"gyroscope"`
	Magnetometer       bool `yaml:"magnetometer"`
	Pressure           bool `yaml:"pressure"`
	Altimeter          bool `yaml:"altimeter"`
	AmbientLight       bool `yaml:"ambient_light"`
	UVLight            bool `yaml:"uv_light"`
	Distance           bool `yaml:"distance"`
	Humidity           bool `yaml:"humidity"`
	CO2                bool `yaml:"co2"`
	ExternalTemp       bool `yaml:"external_temp"`

	// Refresh is the device-side sampling interval.
	Refresh time.Duration `yaml:"refresh" default:"500ms"`

	LED1 LED `yaml:"led1"`
	LED2 LED `yaml:"led2"`
	LED3 LED `yaml:"led3"`
}

// sensorSpec describes one sensor's position in the wire protocol: its bit in
// the command bitmask and the named fields it contributes to a frame, in
// transmission order.
type sensorSpec struct {
	bit     uint
	key     string
	fields  []string
	enabled func(*Selection) bool
	set     func(*Selection, bool)
}

// sensorTable is the single source of truth for the sensor wire protocol,
// consumed by both the command encoder and the notification decoder.
// Bit order is field order; every field is a little-endian float32.
var sensorTable = []sensorSpec{
	{0, "acceleration", []string{"accel_x", "accel_y", "accel_z"},
		func(s *Selection) bool { return s.Acceleration },
		func(s *Selection, v bool) { s.Acceleration = v }},
	{1, "linear_acceleration", []string{"linear_acceleration_x", "linear_acceleration_y", "linear_acceleration_z"},
		func(s *Selection) bool { return s.LinearAcceleration },
		func(s *Selection, v bool) { s.LinearAcceleration = v }},
	{2, "gyroscope", []string{"gyro_x", "gyro_y", "gyro_z"},
		func(s *Selection) bool { return s.Gyroscope },
		func(s *Selection, v bool) { s.Gyroscope = v }},
	{3, "magnetometer", []string{"magneto_x", "magneto_y", "magneto_z"},
		func(s *Selection) bool { return s.Magnetometer },
		func(s *Selection, v bool) { s.Magnetometer = v }},
	{4, "pressure", []string{"pressure"},
		func(s *Selection) bool { return s.Pressure },
		func(s *Selection, v bool) { s.Pressure = v }},
	{5, "altimeter", []string{"altitude"},
		func(s *Selection) bool { return s.Altimeter },
		func(s *Selection, v bool) { s.Altimeter = v }},
	{6, "ambient_light", []string{"ambient_light"},
		func(s *Selection) bool { return s.AmbientLight },
		func(s *Selection, v bool) { s.AmbientLight = v }},
	{7, "uv_light", []string{"uv_index"},
		func(s *Selection) bool { return s.UVLight },
		func(s *Selection, v bool) { s.UVLight = v }},
	{8, "distance", []string{"distance"},
		func(s *Selection) bool { return s.Distance },
		func(s *Selection, v bool) { s.Distance = v }},
	{9, "humidity", []string{"humidity"},
		func(s *Selection) bool { return s.Humidity },
		func(s *Selection, v bool) { s.Humidity = v }},
	{10, "co2", []string{"co2"},
		func(s *Selection) bool { return s.CO2 },
		func(s *Selection, v bool) { s.CO2 = v }},
	{11, "external_temp", []string{"external_temp_1", "external_temp_2"},
		func(s *Selection) bool { return s.ExternalTemp },
		func(s *Selection, v bool) { s.ExternalTemp = v }},
}

// Bitmask returns the sensor-enable bitmask carried in the configuration
// command, derived from sensorTable.
func (s *Selection) Bitmask() uint16 {
	var mask uint16
	for _, spec := range sensorTable {
		if spec.enabled(s) {
			mask |= 1 << spec.bit
		}
	}
	return mask
}

// FieldNames returns the per-frame field layout for the enabled sensors, in
// wire order. The decoder parses frames in exactly this order.
func (s *Selection) FieldNames() []string {
	var names []string
	for _, spec := range sensorTable {
		if spec.enabled(s) {
			names = append(names, spec.fields...)
		}
	}
	return names
}

// FrameSize returns the expected byte length of one fully reassembled frame
// for the enabled sensor set.
func (s *Selection) FrameSize() int {
	return len(s.FieldNames()) * fieldSize
}

// EnabledSensors returns the keys of all enabled sensors in bit order.
func (s *Selection) EnabledSensors() []string {
	var keys []string
	for _, spec := range sensorTable {
		if spec.enabled(s) {
			keys = append(keys, spec.key)
		}
	}
	return keys
}

// SetSensor enables or disables a sensor by its table key (e.g. "pressure").
// Returns an error listing the known keys if the key is not recognized.
func (s *Selection) SetSensor(key string, enabled bool) error {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, spec := range sensorTable {
		if spec.key == normalized {
			spec.set(s, enabled)
			return nil
		}
	}
	return fmt.Errorf("unknown sensor %q (known sensors: %s)", key, strings.Join(SensorKeys(), ", "))
}

// SensorKeys returns all supported sensor keys in bit order.
func SensorKeys() []string {
	keys := make([]string, 0, len(sensorTable))
	for _, spec := range sensorTable {
		keys = append(keys, spec.key)
	}
	return keys
}

// FieldsOf returns the frame fields contributed by a single sensor key.
// Used by tests and tooling; returns nil for unknown keys.
func FieldsOf(key string) []string {
	for _, spec := range sensorTable {
		if spec.key == key {
			return append([]string(nil), spec.fields...)
		}
	}
	return nil
}
