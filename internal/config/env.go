package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StationPrefixEnv names the environment variable consulted when no
// station prefix is passed on the command line.
const StationPrefixEnv = "STATION_PREFIX"

// NormalizePrefix turns a station prefix such as "ps-002" into the
// environment variable prefix "PS_002_". An empty prefix yields "".
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(prefix, "-", "_")) + "_"
}

// ApplyStationEnv overrides file values with prefixed environment
// variables, so one config file can serve several station processes.
// lookup is normally [os.LookupEnv]; tests pass a map-backed function.
// Variables that are unset are ignored. A prefix of "" reads the bare
// names (POWER_STATION_ID, MQTT_HOST and so on).
func (c *Config) ApplyStationEnv(prefix string, lookup func(string) (string, bool)) error {
	p := NormalizePrefix(prefix)
	if lookup == nil {
		lookup = os.LookupEnv
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(p + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(p + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", p, key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(p + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", p, key, err)
		}
		*dst = b
		return nil
	}

	str("POWER_STATION_ID", &c.Station.ID)
	str("LOCATION", &c.Station.Location)
	str("MQTT_HOST", &c.MQTT.Host)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)

	if err := num("CAPACITY_KW", &c.Station.CapacityKW); err != nil {
		return err
	}
	if err := num("MQTT_PORT", &c.MQTT.Port); err != nil {
		return err
	}
	if err := num("PUBLISH_INTERVAL_SECONDS", &c.Simulator.PublishIntervalSec); err != nil {
		return err
	}
	return flag("ENABLE_WEBSOCKET", &c.MQTT.EnableWebsocket)
}
