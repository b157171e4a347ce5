package models

import "time"

type DeviceKind string

const (
	DeviceKindESP32    DeviceKind = "esp32"
	DeviceKindReceiver DeviceKind = "receiver"
)

// DefaultPort is 80 for hardware and 8080 for receiver apps.
func (k DeviceKind) DefaultPort() int {
	if k == DeviceKindESP32 {
		return 80
	}
	return 8080
}

func (k DeviceKind) Valid() bool {
	return k == DeviceKindESP32 || k == DeviceKindReceiver
}

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceError   DeviceStatus = "error"
)

type Device struct {
	ID        string       `json:"id"`
	Name      string       `json:"device_name"`
	Kind      DeviceKind   `json:"kind"`
	Address   string       `json:"ip_address"`
	Port      int          `json:"port"`
	Status    DeviceStatus `json:"status"`
	LastSeen  time.Time    `json:"last_seen"`
	CreatedAt time.Time    `json:"created_at"`
}

// StatusReport is what an ESP32 returns from GET /status.
type StatusReport struct {
	Uptime      int64   `json:"uptime"`
	FreeHeap    int64   `json:"free_heap"`
	WifiSignal  int     `json:"wifi_signal"`
	Temperature float64 `json:"temperature"`
}

// DeviceConfig is the feature flag body for POST /config.
type DeviceConfig struct {
	BuzzerEnabled   bool `json:"buzzer_enabled"`
	LCDEnabled      bool `json:"lcd_enabled"`
	IRSensorEnabled bool `json:"ir_sensor_enabled"`
}
