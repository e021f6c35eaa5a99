package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Sensor names understood in sensors.yaml.
const (
	SensorOutsideTemperature = "outside_temperature"
	SensorWindSpeed          = "wind_speed"
	SensorRainAmount         = "rain_amount"
	SensorTemperatureMax     = "temperature_max"
	SensorTemperatureMin     = "temperature_min"
	SensorHumidity           = "humidity"
	SensorWindSpeedMax       = "wind_speed_max"
	SensorPM25               = "pm25"
	SensorLightLevel         = "light_level"
	SensorAQI                = "aqi"
	SensorWindDirection      = "wind_direction"
	SensorPressure           = "pressure"
)

// DefaultRefreshSchedule matches the widget refresh cadence.
const DefaultRefreshSchedule = "@every 15m"

// knownSensors lists every sensor in display order. Core sensors must be
// fetched for a refresh to count as successful; wind_direction is textual.
var knownSensors = []struct {
	name    string
	core    bool
	numeric bool
}{
	{SensorOutsideTemperature, true, true},
	{SensorWindSpeed, true, true},
	{SensorRainAmount, true, true},
	{SensorTemperatureMax, false, true},
	{SensorTemperatureMin, false, true},
	{SensorHumidity, false, true},
	{SensorWindSpeedMax, false, true},
	{SensorPM25, false, true},
	{SensorLightLevel, false, true},
	{SensorAQI, false, true},
	{SensorWindDirection, false, false},
	{SensorPressure, false, true},
}

// SensorEntry is one sensor as written in sensors.yaml
type SensorEntry struct {
	EntityID string `yaml:"entity_id"`
	Numeric  *bool  `yaml:"numeric,omitempty"`
}

// SensorsFile represents the sensors.yaml structure
type SensorsFile struct {
	RefreshSchedule string                 `yaml:"refresh_schedule"`
	Sensors         map[string]SensorEntry `yaml:"sensors"`
}

// Sensor is a configured sensor bound to a Home Assistant entity.
type Sensor struct {
	Name     string `json:"name"`
	EntityID string `json:"entity_id"`
	Numeric  bool   `json:"numeric"`
	Core     bool   `json:"core"`
}

// Mapping is the validated content of sensors.yaml. It is immutable once
// returned by ParseMapping.
type Mapping struct {
	RefreshSchedule string
	Sensors         []Sensor
	byEntity        map[string][]Sensor
}

// ParseMapping decodes and validates sensors.yaml content. Sensors with an
// empty entity id are treated as not configured and left out.
func ParseMapping(data []byte) (*Mapping, error) {
	var file SensorsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sensors config: %w", err)
	}

	var unknown []string
	for name := range file.Sensors {
		if !isKnownSensor(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown sensors in config: %s", strings.Join(unknown, ", "))
	}

	m := &Mapping{
		RefreshSchedule: file.RefreshSchedule,
		byEntity:        make(map[string][]Sensor),
	}
	if m.RefreshSchedule == "" {
		m.RefreshSchedule = DefaultRefreshSchedule
	}
	if _, err := cron.ParseStandard(m.RefreshSchedule); err != nil {
		return nil, fmt.Errorf("invalid refresh_schedule %q: %w", m.RefreshSchedule, err)
	}

	for _, known := range knownSensors {
		entry, ok := file.Sensors[known.name]
		entityID := strings.TrimSpace(entry.EntityID)
		if !ok || entityID == "" {
			continue
		}
		if !strings.Contains(entityID, ".") {
			return nil, fmt.Errorf("sensor %s: entity id %q must look like domain.object_id", known.name, entityID)
		}
		numeric := known.numeric
		if entry.Numeric != nil {
			numeric = *entry.Numeric
		}
		s := Sensor{Name: known.name, EntityID: entityID, Numeric: numeric, Core: known.core}
		m.Sensors = append(m.Sensors, s)
		m.byEntity[entityID] = append(m.byEntity[entityID], s)
	}

	return m, nil
}

func isKnownSensor(name string) bool {
	for _, k := range knownSensors {
		if k.name == name {
			return true
		}
	}
	return false
}

// ForEntity returns the sensors bound to entityID.
func (m *Mapping) ForEntity(entityID string) []Sensor {
	if m == nil {
		return nil
	}
	return m.byEntity[entityID]
}

// EntityIDs returns each configured entity once, in sensor order.
func (m *Mapping) EntityIDs() []string {
	if m == nil {
		return nil
	}
	seen := make(map[string]bool, len(m.Sensors))
	ids := make([]string, 0, len(m.Sensors))
	for _, s := range m.Sensors {
		if !seen[s.EntityID] {
			seen[s.EntityID] = true
			ids = append(ids, s.EntityID)
		}
	}
	return ids
}

// Sensor looks up a configured sensor by name.
func (m *Mapping) Sensor(name string) (Sensor, bool) {
	if m == nil {
		return Sensor{}, false
	}
	for _, s := range m.Sensors {
		if s.Name == name {
			return s, true
		}
	}
	return Sensor{}, false
}

// Loader manages loading and reloading of the sensor mapping file
type Loader struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	mapping *Mapping
}

// NewLoader creates a loader for the sensors.yaml at path
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger,
	}
}

// Load reads and validates the mapping file. On failure the previously
// loaded mapping stays in effect.
func (l *Loader) Load() error {
	l.logger.Debug("Loading sensors config", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read sensors config: %w", err)
	}

	mapping, err := ParseMapping(data)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.mapping = mapping
	l.mu.Unlock()

	l.logger.Info("Sensors config loaded successfully",
		zap.String("path", l.path),
		zap.Int("sensors", len(mapping.Sensors)),
		zap.String("refresh_schedule", mapping.RefreshSchedule))
	return nil
}

// Reload re-reads the file, typically on SIGHUP.
func (l *Loader) Reload() error {
	l.logger.Info("Reloading sensors config", zap.String("path", l.path))
	if err := l.Load(); err != nil {
		l.logger.Error("Failed to reload sensors config, keeping previous", zap.Error(err))
		return err
	}
	return nil
}

// Mapping returns the current mapping, or nil before the first Load.
func (l *Loader) Mapping() *Mapping {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mapping
}
