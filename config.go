package balancerd

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type ServerConfig struct {
	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`

	// MaxConcurrentSessions caps the number of relayed sessions across all
	// frontends. Zero means unlimited.
	MaxConcurrentSessions int64 `toml:"max_concurrent_sessions"`

	// AcceptRateLimit throttles the global accept loop, in connections per
	// second. Zero disables the throttle.
	AcceptRateLimit float64 `toml:"accept_rate_limit"`

	// SourceRateLimit bounds accepted connections per client address per
	// SourceRateInterval. Zero disables it.
	SourceRateLimit    int          `toml:"source_rate_limit"`
	SourceRateInterval TOMLDuration `toml:"source_rate_interval"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Token   string `toml:"token"`
}

type TOMLDuration time.Duration

func (t *TOMLDuration) UnmarshalText(b []byte) error {
	d, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*t = TOMLDuration(d)
	return nil
}

type CheckProtocol string

const (
	TCPCheck  CheckProtocol = "tcp"
	HTTPCheck CheckProtocol = "http"
	SSL3Check CheckProtocol = "ssl-hello"
	SMTPCheck CheckProtocol = "smtp"
)

type BalanceAlgo string

const (
	RoundRobinBalance BalanceAlgo = "roundrobin"
	SourceBalance     BalanceAlgo = "source"
)

type BackendConfig struct {
	// Listen is the frontend address served by this backend's proxy.
	Listen string `toml:"listen"`

	Balance BalanceAlgo `toml:"balance"`

	Check         CheckProtocol `toml:"check"`
	HTTPCheckURI  string        `toml:"http_check_uri"`
	SMTPCheckHelo string        `toml:"smtp_check_helo"`

	// Redispatch allows sessions queued on a server that goes down to be
	// rebound to another server instead of being dropped.
	Redispatch bool `toml:"redispatch"`

	// Source, if set, binds outbound connections (probes included) to this
	// local address. Transparent additionally marks the socket with
	// IP_TRANSPARENT so a foreign source address can be used.
	Source      string `toml:"source"`
	Transparent bool   `toml:"transparent"`

	// Fullconn is the backend session count at which per-server dynamic
	// maxconn reaches its configured ceiling.
	Fullconn int `toml:"fullconn"`

	// QueueTimeout bounds how long a session may wait for a server slot
	// before it is dropped.
	QueueTimeout TOMLDuration `toml:"queue_timeout"`

	// StickTableSize bounds the source-affinity table when balance = "source".
	StickTableSize int `toml:"stick_table_size"`

	Servers []*UpstreamConfig `toml:"servers"`
}

type UpstreamConfig struct {
	Name         string `toml:"name"`
	Address      string `toml:"address"`
	CheckAddress string `toml:"check_address"`
	CheckPort    int    `toml:"check_port"`

	Rise  int          `toml:"rise"`
	Fall  int          `toml:"fall"`
	Inter TOMLDuration `toml:"inter"`

	Weight  int  `toml:"weight"`
	MaxConn int  `toml:"maxconn"`
	MinConn int  `toml:"minconn"`
	Backup  bool `toml:"backup"`

	// Source overrides the backend-level outbound bind for this server.
	Source      string `toml:"source"`
	Transparent bool   `toml:"transparent"`

	// Disabled leaves the server configured but never probed nor used.
	Disabled bool `toml:"disabled"`
}

type BackendsConfig map[string]*BackendConfig

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Admin    AdminConfig    `toml:"admin"`
	Backends BackendsConfig `toml:"backends"`
}

const (
	defaultRise  = 2
	defaultFall  = 3
	defaultInter = 2 * time.Second
)

func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return errors.New("must define at least one backend")
	}
	for name, be := range c.Backends {
		if be.Listen == "" {
			return errors.Errorf("backend %s: missing listen address", name)
		}
		if len(be.Servers) == 0 {
			return errors.Errorf("backend %s: must define at least one server", name)
		}
		switch be.Balance {
		case "", RoundRobinBalance, SourceBalance:
		default:
			return errors.Errorf("backend %s: unknown balance algorithm %q", name, be.Balance)
		}
		switch be.Check {
		case "", TCPCheck, HTTPCheck, SSL3Check, SMTPCheck:
		default:
			return errors.Errorf("backend %s: unknown check protocol %q", name, be.Check)
		}
		seen := make(map[string]bool)
		for _, srv := range be.Servers {
			if srv.Name == "" {
				return errors.Errorf("backend %s: server with empty name", name)
			}
			if seen[srv.Name] {
				return errors.Errorf("backend %s: duplicate server %s", name, srv.Name)
			}
			seen[srv.Name] = true
			if _, _, err := net.SplitHostPort(srv.Address); err != nil {
				return errors.Wrapf(err, "backend %s server %s: bad address", name, srv.Name)
			}
			if srv.Rise < 0 || srv.Fall < 0 {
				return errors.Errorf("backend %s server %s: rise and fall must not be negative", name, srv.Name)
			}
			if srv.Weight < 0 {
				return errors.Errorf("backend %s server %s: weight must not be negative", name, srv.Name)
			}
		}
	}
	return nil
}

func ReadFromEnvOrConfig(value string) (string, error) {
	if strings.HasPrefix(value, "$") {
		envValue := os.Getenv(strings.TrimPrefix(value, "$"))
		if envValue == "" {
			return "", fmt.Errorf("config env var %s not found", value)
		}
		return envValue, nil
	}

	if strings.HasPrefix(value, "\\") {
		return strings.TrimPrefix(value, "\\"), nil
	}

	return value, nil
}

// sslv3TimestampOffset is where the CLIENT-HELLO template carries its
// GMT Unix time field; the probe patches four bytes there before sending.
const sslv3TimestampOffset = 11

// renderCheckRequest pre-renders the probe payload for a backend. Plain TCP
// checks have no payload.
func renderCheckRequest(cfg *BackendConfig) []byte {
	switch cfg.Check {
	case HTTPCheck:
		uri := cfg.HTTPCheckURI
		if uri == "" {
			uri = "/"
		}
		return []byte(fmt.Sprintf("OPTIONS %s HTTP/1.0\r\n\r\n", uri))
	case SMTPCheck:
		helo := cfg.SMTPCheckHelo
		if helo == "" {
			helo = "localhost"
		}
		return []byte(fmt.Sprintf("HELO %s\r\n", helo))
	case SSL3Check:
		return sslv3ClientHello()
	default:
		return nil
	}
}

// sslv3ClientHello builds a minimal SSLv3 CLIENT-HELLO. The GMT time field
// at sslv3TimestampOffset is zeroed here and patched per probe.
func sslv3ClientHello() []byte {
	suites := []uint16{
		0x0004, 0x0005, 0x000a, 0x0009, 0x0003,
		0x0006, 0x0007, 0x0008, 0x0001, 0x0002,
	}

	// version + time + random + session id len + suite len + suites +
	// compression len + null compression
	bodyLen := 2 + 4 + 28 + 1 + 2 + 2*len(suites) + 1 + 1

	pkt := make([]byte, 0, 9+bodyLen)
	pkt = append(pkt, 0x16)       // ContentType: handshake
	pkt = append(pkt, 0x03, 0x00) // ProtocolVersion: SSLv3
	pkt = binary.BigEndian.AppendUint16(pkt, uint16(bodyLen+4))
	pkt = append(pkt, 0x01) // HandshakeType: CLIENT-HELLO
	pkt = append(pkt, 0x00, byte(bodyLen>>8), byte(bodyLen))
	pkt = append(pkt, 0x03, 0x00)             // HelloVersion: v3
	pkt = append(pkt, 0x00, 0x00, 0x00, 0x00) // GMT Unix time, patched per probe
	pkt = append(pkt, []byte("BALANCERDSSLCHK0123456789ABC")...)
	pkt = append(pkt, 0x00) // empty session id
	pkt = binary.BigEndian.AppendUint16(pkt, uint16(2*len(suites)))
	for _, s := range suites {
		pkt = binary.BigEndian.AppendUint16(pkt, s)
	}
	pkt = append(pkt, 0x01, 0x00) // NULL compression only
	return pkt
}
