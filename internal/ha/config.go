package ha

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPort           = 443
	DefaultWebSocketPath  = "/api/websocket"
	DefaultRESTStatesPath = "/api/states"
)

// Configuration describes how to reach a Home Assistant instance. It is a
// value type and is never mutated after construction.
type Configuration struct {
	Host           string
	Port           int
	UseTLS         bool
	Token          string
	WebSocketPath  string
	RESTStatesPath string
}

// NewConfiguration returns a configuration with the default port, TLS and API paths.
func NewConfiguration(host, token string) Configuration {
	return Configuration{
		Host:           host,
		Port:           DefaultPort,
		UseTLS:         true,
		Token:          token,
		WebSocketPath:  DefaultWebSocketPath,
		RESTStatesPath: DefaultRESTStatesPath,
	}
}

// Complete reports whether host and token are both set. An incomplete
// configuration must never lead to network I/O.
func (c Configuration) Complete() bool {
	return strings.TrimSpace(c.Host) != "" && strings.TrimSpace(c.Token) != ""
}

// Validate returns ErrInvalidConfiguration describing the first problem found.
func (c Configuration) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidConfiguration)
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: token is empty", ErrInvalidConfiguration)
	}
	if err := checkHost(c.Host); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	}
	return nil
}

// Address returns host:port, the port defaulted from the TLS flag.
func (c Configuration) Address() string {
	port := c.Port
	if port == 0 {
		port = 80
		if c.UseTLS {
			port = 443
		}
	}
	return net.JoinHostPort(strings.Trim(c.Host, "[]"), strconv.Itoa(port))
}

// WebSocketURL derives ws(s)://host:port/api/websocket.
func (c Configuration) WebSocketURL() (*url.URL, error) {
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}
	return c.makeURL(scheme, orDefault(c.WebSocketPath, DefaultWebSocketPath))
}

// RESTStatesURL derives http(s)://host:port/api/states, with /entityID
// appended when entityID is not empty.
func (c Configuration) RESTStatesURL(entityID string) (*url.URL, error) {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	u, err := c.makeURL(scheme, orDefault(c.RESTStatesPath, DefaultRESTStatesPath))
	if err != nil {
		return nil, err
	}
	if entityID != "" {
		u = u.JoinPath(entityID)
	}
	return u, nil
}

func (c Configuration) makeURL(scheme, path string) (*url.URL, error) {
	if strings.TrimSpace(c.Host) == "" {
		return nil, fmt.Errorf("%w: unable to build URL for %s: host is empty", ErrInvalidConfiguration, path)
	}
	if err := checkHost(c.Host); err != nil {
		return nil, fmt.Errorf("%w: unable to build URL for %s: %v", ErrInvalidConfiguration, path, err)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	host := strings.Trim(c.Host, "[]")
	if c.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(c.Port))
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return &url.URL{Scheme: scheme, Host: host, Path: path}, nil
}

// checkHost accepts a bare hostname or an IP literal. A colon is only
// allowed as part of an IPv6 address; the port has its own field.
func checkHost(host string) error {
	if strings.ContainsAny(host, "/ \t\r\n?#@") {
		return fmt.Errorf("host %q must be a bare hostname or address", host)
	}
	if strings.Contains(host, ":") && net.ParseIP(strings.Trim(host, "[]")) == nil {
		return fmt.Errorf("host %q must not include a port, set the port separately", host)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
