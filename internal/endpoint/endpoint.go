package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is the host and TCP port the worker serves on.
type Endpoint struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

func New(host string, port int) Endpoint { return Endpoint{Host: host, Port: port} }

// Parse accepts "host:port".
func Parse(s string) (Endpoint, error) {
	h, p, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port %q: %w", p, err)
	}
	e := Endpoint{Host: h, Port: port}
	return e, e.Validate()
}

func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("endpoint host is empty")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("endpoint port %d out of range", e.Port)
	}
	return nil
}

// Addr is host:port suitable for dialing.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

func (e Endpoint) String() string { return e.Addr() }

// URL returns http://host:port followed by path.
func (e Endpoint) URL(path string) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + e.Addr() + path
}
