package barehttp

import (
	"crypto/tls"
	"log"
	"time"
)

// Default H2 settings values advertised by the client on its first
// SETTINGS frame.
const (
	DefaultMaxConcurrentStreams = 100
	DefaultMaxHeaderListSize    = 65536
	DefaultH1Bufsiz             = 8192
)

// DefaultALPNProtocols is the advertised ALPN list when none is configured.
var DefaultALPNProtocols = []string{"h2", "http/1.1"}

// Config collects every option a Client or Session recognizes. The zero
// value of any field means "use the default".
type Config struct {
	// H1Bufsiz is the inbound read buffer size used by the H1 engine.
	H1Bufsiz int

	// CAFile, CAPath, CAData feed trust-store construction when TLSConfig
	// is nil: a PEM file, a directory of PEM files, and inline PEM bytes
	// respectively. All three may be combined.
	CAFile, CAPath, CAData string

	// TLSConfig, if non-nil, wins over CA*, CipherSuites, and
	// MinTLSVersion.
	TLSConfig *tls.Config

	// CipherSuites restricts the TLS cipher list when TLSConfig is nil.
	// Empty means crypto/tls's own hardened default.
	CipherSuites []uint16

	// MinTLSVersion floors the negotiated TLS version when TLSConfig is
	// nil. Zero means TLS 1.2. SSLv3 and TLS compression are never
	// offered regardless.
	MinTLSVersion uint16

	// ALPNProtocols is the advertised ALPN list.
	ALPNProtocols []string

	// ConnectTimeout bounds transport establishment only.
	ConnectTimeout time.Duration

	// ReadTimeout/WriteTimeout bound every post-connect socket operation.
	ReadTimeout, WriteTimeout time.Duration

	// Proxy is the URL of an upstream proxy; non-empty engages proxy or
	// tunnel mode depending on the target scheme.
	Proxy string

	// MaxConcurrentStreams and MaxHeaderListSize are the H2 engine's local
	// SETTINGS values.
	MaxConcurrentStreams uint32
	MaxHeaderListSize    uint32

	// Logger receives diagnostic lines; nil means the standard logger.
	Logger *log.Logger

	// VerboseLogs gates the connection-level diagnostic lines (connected
	// or tunneled, with the negotiated ALPN). There is no frame-level
	// tracing.
	VerboseLogs bool
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		H1Bufsiz:             DefaultH1Bufsiz,
		ALPNProtocols:        append([]string(nil), DefaultALPNProtocols...),
		MaxConcurrentStreams: DefaultMaxConcurrentStreams,
		MaxHeaderListSize:    DefaultMaxHeaderListSize,
	}
}

func (c *Config) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

func (c *Config) vlogf(format string, args ...interface{}) {
	if c.VerboseLogs {
		c.logf(format, args...)
	}
}

func withDefaults(c *Config) *Config {
	if c == nil {
		return DefaultConfig()
	}
	clone := *c
	if clone.H1Bufsiz == 0 {
		clone.H1Bufsiz = DefaultH1Bufsiz
	}
	if len(clone.ALPNProtocols) == 0 {
		clone.ALPNProtocols = append([]string(nil), DefaultALPNProtocols...)
	}
	if clone.MaxConcurrentStreams == 0 {
		clone.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if clone.MaxHeaderListSize == 0 {
		clone.MaxHeaderListSize = DefaultMaxHeaderListSize
	}
	return &clone
}
