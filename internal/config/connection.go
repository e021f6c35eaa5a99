package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"hatoolbar/internal/ha"
)

// Environment variables holding the connection settings.
const (
	EnvHost       = "HA_HOST"
	EnvPort       = "HA_PORT"
	EnvTLS        = "HA_TLS"
	EnvToken      = "HA_TOKEN"
	EnvWSPath     = "HA_WS_PATH"
	EnvStatesPath = "HA_STATES_PATH"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// MapLookup adapts a map, such as one returned by godotenv.Read, to LookupFunc.
func MapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

// ConnectionFromEnv builds the connection settings from the environment.
// Missing host or token is not an error here: the result is simply
// incomplete and the client will refuse to connect.
func ConnectionFromEnv(lookup LookupFunc) (ha.Configuration, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := ha.NewConfiguration(get(EnvHost), get(EnvToken))

	if v := get(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s=%q: %w", EnvPort, v, err)
		}
		cfg.Port = port
	}
	if v := get(EnvTLS); v != "" {
		useTLS, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%s=%q: %w", EnvTLS, v, err)
		}
		cfg.UseTLS = useTLS
	}
	if v := get(EnvWSPath); v != "" {
		cfg.WebSocketPath = v
	}
	if v := get(EnvStatesPath); v != "" {
		cfg.RESTStatesPath = v
	}
	return cfg, nil
}
