// Package config loads daemon configuration from defaults, an optional
// YAML file, environment variables and command-line flags, in that order.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// S3Config holds S3 settings for store daemons using the s3 backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// Config holds the settings shared by the coordinator, the stores and the
// client shell.
type Config struct {
	// Ports
	CoordinatorPort int `yaml:"coordinator_port"`
	PDFPort         int `yaml:"pdf_port"`
	TextPort        int `yaml:"text_port"`

	// ListenHost is the coordinator bind host; empty means all interfaces.
	ListenHost string `yaml:"listen_host"`
	// PeerHost is where the stores listen and the coordinator dials them.
	PeerHost string `yaml:"peer_host"`

	// Namespace
	NamespaceRoot string `yaml:"namespace_root"`
	PDFRoot       string `yaml:"pdf_root"`
	TextRoot      string `yaml:"text_root"`
	HomeDir       string `yaml:"home_dir"`

	// Storage
	LocalRoot    string   `yaml:"local_root"`
	StoreBackend string   `yaml:"store_backend"`
	S3           S3Config `yaml:"s3"`

	// Observability
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Default returns the stock configuration: ports 8080/8081/8082 on
// loopback, roots smain/spdf/stext and the invoking user's $HOME.
func Default() *Config {
	return &Config{
		CoordinatorPort: 8080,
		PDFPort:         8081,
		TextPort:        8082,
		ListenHost:      "",
		PeerHost:        "127.0.0.1",
		NamespaceRoot:   "smain",
		PDFRoot:         "spdf",
		TextRoot:        "stext",
		HomeDir:         os.Getenv("HOME"),
		LocalRoot:       "/",
		StoreBackend:    "local",
		S3: S3Config{
			Endpoint:  "http://localhost:9000",
			Bucket:    "shardfs",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Region:    "us-east-1",
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds a Config from defaults, the YAML file at path (or
// $SHARDFS_CONFIG when path is empty) and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SHARDFS_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.CoordinatorPort = envInt("COORDINATOR_PORT", c.CoordinatorPort)
	c.PDFPort = envInt("PDF_PORT", c.PDFPort)
	c.TextPort = envInt("TEXT_PORT", c.TextPort)
	c.ListenHost = envOr("LISTEN_HOST", c.ListenHost)
	c.PeerHost = envOr("PEER_HOST", c.PeerHost)
	c.NamespaceRoot = envOr("NAMESPACE_ROOT", c.NamespaceRoot)
	c.PDFRoot = envOr("PDF_ROOT", c.PDFRoot)
	c.TextRoot = envOr("TEXT_ROOT", c.TextRoot)
	c.HomeDir = envOr("SHARDFS_HOME", c.HomeDir)
	c.LocalRoot = envOr("LOCAL_ROOT", c.LocalRoot)
	c.StoreBackend = envOr("STORE_BACKEND", c.StoreBackend)
	c.S3.Endpoint = envOr("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.Bucket = envOr("S3_BUCKET", c.S3.Bucket)
	c.S3.AccessKey = envOr("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = envOr("S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Region = envOr("S3_REGION", c.S3.Region)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
}

// Validate checks ports and root names.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"coordinator_port": c.CoordinatorPort,
		"pdf_port":         c.PDFPort,
		"text_port":        c.TextPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	for name, root := range map[string]string{
		"namespace_root": c.NamespaceRoot,
		"pdf_root":       c.PDFRoot,
		"text_root":      c.TextRoot,
	} {
		if root == "" || strings.ContainsRune(root, '/') {
			return fmt.Errorf("%s %q must be a single path segment", name, root)
		}
	}
	switch c.StoreBackend {
	case "local", "s3":
	default:
		return fmt.Errorf("store_backend %q must be local or s3", c.StoreBackend)
	}
	return nil
}

// CoordinatorAddr is the coordinator listen address.
func (c *Config) CoordinatorAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.CoordinatorPort))
}

// PDFAddr is the PDF store address, used both to listen and to dial.
func (c *Config) PDFAddr() string {
	return net.JoinHostPort(c.PeerHost, strconv.Itoa(c.PDFPort))
}

// TextAddr is the text store address, used both to listen and to dial.
func (c *Config) TextAddr() string {
	return net.JoinHostPort(c.PeerHost, strconv.Itoa(c.TextPort))
}

// AddFlags registers the command-line overrides shared by all binaries.
// Call ApplyFlags after parsing.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML config file (default $SHARDFS_CONFIG)")
	fs.Int("coordinator-port", d.CoordinatorPort, "coordinator TCP port")
	fs.Int("pdf-port", d.PDFPort, "PDF store TCP port")
	fs.Int("text-port", d.TextPort, "text store TCP port")
	fs.String("peer-host", d.PeerHost, "host the stores listen on and the coordinator dials")
	fs.String("namespace-root", d.NamespaceRoot, "namespace root segment used by clients")
	fs.String("pdf-root", d.PDFRoot, "root segment of the PDF store")
	fs.String("text-root", d.TextRoot, "root segment of the text store")
	fs.String("store-backend", d.StoreBackend, "store content backend: local or s3")
	fs.String("metrics-addr", "", "address for the Prometheus endpoint (empty disables)")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "log format: json or console")
}

// ApplyFlags copies every flag the user set explicitly onto c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	ints := map[string]*int{
		"coordinator-port": &c.CoordinatorPort,
		"pdf-port":         &c.PDFPort,
		"text-port":        &c.TextPort,
	}
	for name, dst := range ints {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	strs := map[string]*string{
		"peer-host":      &c.PeerHost,
		"namespace-root": &c.NamespaceRoot,
		"pdf-root":       &c.PDFRoot,
		"text-root":      &c.TextRoot,
		"store-backend":  &c.StoreBackend,
		"metrics-addr":   &c.MetricsAddr,
		"log-level":      &c.LogLevel,
		"log-format":     &c.LogFormat,
	}
	for name, dst := range strs {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	return c.Validate()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
