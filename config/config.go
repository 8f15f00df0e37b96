// Package config loads the TOML configuration of a fabric node.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/drpcorg/fabric/utils"
)

var (
	ErrBadLogLevel  = errors.New("config: bad log level")
	ErrBadLogFormat = errors.New("config: bad log format")
	ErrBadRoute     = errors.New("config: bad route")
)

type Config struct {
	Node      Node      `toml:"node"`
	Routes    []Route   `toml:"routes"`
	Log       Log       `toml:"log"`
	Dispatch  Dispatch  `toml:"dispatch"`
	Store     Store     `toml:"store"`
	Metrics   Metrics   `toml:"metrics"`
	Transport Transport `toml:"transport"`
}

type Node struct {
	ID   uint64 `toml:"id"`
	Name string `toml:"name"`
	// Pipe is the id of the pipe the node hosts.
	Pipe    uint64   `toml:"pipe"`
	Listen  []string `toml:"listen"`
	Connect []string `toml:"connect"`
}

// Route sends requests for an actor this node does not host to a peer.
type Route struct {
	Actor uint64 `toml:"actor"`
	Node  uint64 `toml:"node"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Dispatch struct {
	QueueLimit int `toml:"queue_limit"`
}

type Store struct {
	Dir  string `toml:"dir"`
	Sync bool   `toml:"sync"`
}

type Metrics struct {
	Addr string `toml:"addr"`
}

type Transport struct {
	CompressThreshold int    `toml:"compress_threshold"`
	MaxPayload        uint64 `toml:"max_payload"`
}

func (c *Config) SetDefaults() {
	if c.Node.ID == 0 {
		c.Node.ID = 1
	}
	if c.Node.Name == "" {
		c.Node.Name = "fabric"
	}
	if c.Node.Pipe == 0 {
		c.Node.Pipe = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Dispatch.QueueLimit == 0 {
		c.Dispatch.QueueLimit = 1 << 16
	}
	if c.Transport.CompressThreshold == 0 {
		c.Transport.CompressThreshold = 4096
	}
	if c.Transport.MaxPayload == 0 {
		c.Transport.MaxPayload = 1 << 28
	}
}

func (c *Config) Validate() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrBadLogFormat, c.Log.Format)
	}
	for i, r := range c.Routes {
		if r.Actor == 0 || r.Actor == c.Node.Pipe || r.Node == 0 || r.Node == c.Node.ID {
			return fmt.Errorf("%w: routes[%d] actor %d node %d", ErrBadRoute, i, r.Actor, r.Node)
		}
	}
	return nil
}

// Load reads path, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("config: unknown key %s", undec[0].String())
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadLogLevel, l.Level)
	}
	return level, nil
}

// Logger builds the configured logger: slog text or zap JSON.
func (l Log) Logger() (utils.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	if l.Format == "json" {
		z, err := utils.NewZapLogger(level)
		if err != nil {
			return nil, err
		}
		return z, nil
	}
	return utils.NewDefaultLogger(level), nil
}
