// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config layers configuration from a YAML file, SQLRELAY_-prefixed
// environment variables, and CLI flags, in that order of increasing
// precedence. Load always builds a fresh Config from Default. Once Freeze
// has been called on a Config, its file/env/flag loaders (loadYAML,
// loadEnv, loadFlags) fail with errors.ErrConfigRunning instead of
// changing it; direct assignment to its exported fields is not checked.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	sqerrors "sqlrelay/pkg/errors"
	"sqlrelay/pkg/logging"
)

// Config holds every tunable named in the external interface table: the
// public listen port, the single upstream address, the three engines' poll
// tick and connect deadline, socket keep-alive defaults, logging, the
// PID-lock path, the debug web port, and the SLOW-event threshold.
type Config struct {
	Port            int    `yaml:"port"`
	ServerAddr      string `yaml:"server_addr"`
	ServerPort      int    `yaml:"server_port"`
	TimeoutMS       int    `yaml:"timeout"`
	ConnectTimeout  int    `yaml:"connect_timeout"`
	ClientKeepAlive bool   `yaml:"client_keep_alive"`
	ServerKeepAlive bool   `yaml:"server_keep_alive"`
	LogPath         string `yaml:"log_path"`
	LogLevel        string `yaml:"log_level"`
	LogExpireDay    int    `yaml:"log_expire_day"`
	NoDaemon        bool   `yaml:"no_daemon"`
	Force           bool   `yaml:"force"`
	PidFile         string `yaml:"pid_file"`
	WebPort         int    `yaml:"web_port"`
	SlowLogMS       int    `yaml:"slow_log_ms"`

	frozen int32
}

// Default returns a Config populated with the defaults from the external
// interface table, before any file/env/flag layering is applied.
func Default() *Config {
	return &Config{
		Port:            4880,
		ServerAddr:      "127.0.0.1",
		ServerPort:      5555,
		TimeoutMS:       200,
		ConnectTimeout:  3000,
		ClientKeepAlive: true,
		ServerKeepAlive: true,
		LogPath:         "log",
		LogLevel:        logging.LevelInfo,
		LogExpireDay:    7,
		NoDaemon:        true,
		Force:           false,
		PidFile:         "",
		WebPort:         0,
		SlowLogMS:       1000,
	}
}

// Load builds a Config from, in order of increasing precedence: the
// defaults, a YAML file (path may be empty, in which case the file layer is
// skipped), SQLRELAY_-prefixed environment variables, and finally the flags
// already parsed into fs (fs.Parse must have been called by the caller).
func Load(yamlPath string, fs *flag.FlagSet) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if err := cfg.loadYAML(yamlPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if fs != nil {
		if err := cfg.loadFlags(fs); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "config validate failed")
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	if err := c.CheckMutable(); err != nil {
		return err
	}
	file, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(file, c); err != nil {
		return errors.Wrapf(err, "failed to unmarshal config from %s", path)
	}
	return nil
}

// loadEnv overrides any field whose SQLRELAY_<FIELD> environment variable is
// set. Malformed int/bool values are logged and left at their current value
// rather than aborting startup.
func (c *Config) loadEnv() error {
	if err := c.CheckMutable(); err != nil {
		return err
	}
	if v, ok := lookupEnv("PORT"); ok {
		c.Port = envInt(v, c.Port, "SQLRELAY_PORT")
	}
	if v, ok := lookupEnv("SERVER_ADDR"); ok {
		c.ServerAddr = v
	}
	if v, ok := lookupEnv("SERVER_PORT"); ok {
		c.ServerPort = envInt(v, c.ServerPort, "SQLRELAY_SERVER_PORT")
	}
	if v, ok := lookupEnv("TIMEOUT"); ok {
		c.TimeoutMS = envInt(v, c.TimeoutMS, "SQLRELAY_TIMEOUT")
	}
	if v, ok := lookupEnv("CONNECT_TIMEOUT"); ok {
		c.ConnectTimeout = envInt(v, c.ConnectTimeout, "SQLRELAY_CONNECT_TIMEOUT")
	}
	if v, ok := lookupEnv("CLIENT_KEEP_ALIVE"); ok {
		c.ClientKeepAlive = envBool(v, c.ClientKeepAlive, "SQLRELAY_CLIENT_KEEP_ALIVE")
	}
	if v, ok := lookupEnv("SERVER_KEEP_ALIVE"); ok {
		c.ServerKeepAlive = envBool(v, c.ServerKeepAlive, "SQLRELAY_SERVER_KEEP_ALIVE")
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookupEnv("NO_DAEMON"); ok {
		c.NoDaemon = envBool(v, c.NoDaemon, "SQLRELAY_NO_DAEMON")
	}
	if v, ok := lookupEnv("FORCE"); ok {
		c.Force = envBool(v, c.Force, "SQLRELAY_FORCE")
	}
	if v, ok := lookupEnv("PID_FILE"); ok {
		c.PidFile = v
	}
	if v, ok := lookupEnv("WEB_PORT"); ok {
		c.WebPort = envInt(v, c.WebPort, "SQLRELAY_WEB_PORT")
	}
	if v, ok := lookupEnv("SLOW_LOG_MS"); ok {
		c.SlowLogMS = envInt(v, c.SlowLogMS, "SQLRELAY_SLOW_LOG_MS")
	}
	return nil
}

func lookupEnv(suffix string) (string, bool) {
	return os.LookupEnv("SQLRELAY_" + suffix)
}

func envInt(v string, fallback int, name string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Warnf("config: invalid int for %s=%q, keeping %d", name, v, fallback)
		return fallback
	}
	return n
}

func envBool(v string, fallback bool, name string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		logging.Warnf("config: invalid bool for %s=%q, keeping %v", name, v, fallback)
		return fallback
	}
	return b
}

// FlagValues holds the destinations RegisterFlags binds onto a flag.FlagSet.
// The caller parses fs, reads Version/Help/ConfigFile directly off the
// result, then passes fs into Load so loadFlags can tell which flags were
// actually set on argv (via fs.Visit) and layer them over the file/env
// config.
type FlagValues struct {
	Port            int
	ServerAddr      string
	ServerPort      int
	TimeoutMS       int
	ConnectTimeout  int
	ClientKeepAlive bool
	ServerKeepAlive bool
	LogLevel        string
	NoDaemon        bool
	Force           bool
	PidFile         string
	WebPort         int
	SlowLogMS       int
	ConfigFile      string
	Version         bool
	Help            bool
	Authors         bool
	ShowConfig      bool
}

// RegisterFlags declares every flag named in the external interface table on
// fs, defaulting each to def's current values so an unset flag does not
// clobber the file/env layers underneath it.
func RegisterFlags(fs *flag.FlagSet, def *Config) *FlagValues {
	fv := &FlagValues{}
	fs.IntVar(&fv.Port, "port", def.Port, "public listen port")
	fs.StringVar(&fv.ServerAddr, "server-addr", def.ServerAddr, "upstream IPv4 host")
	fs.IntVar(&fv.ServerPort, "server-port", def.ServerPort, "upstream port")
	fs.IntVar(&fv.TimeoutMS, "timeout", def.TimeoutMS, "poll tick, ms, all 3 engines")
	fs.IntVar(&fv.ConnectTimeout, "connect-timeout", def.ConnectTimeout, "upstream connect deadline, ms")
	fs.BoolVar(&fv.ClientKeepAlive, "client-keep-alive", def.ClientKeepAlive, "SO_KEEPALIVE on accepted sockets")
	fs.BoolVar(&fv.ServerKeepAlive, "server-keep-alive", def.ServerKeepAlive, "SO_KEEPALIVE on upstream sockets")
	fs.StringVar(&fv.LogLevel, "log-level", def.LogLevel, "DEBUG|INFO|WARN|ERROR")
	fs.BoolVar(&fv.NoDaemon, "no-daemon", def.NoDaemon, "stay in foreground")
	fs.BoolVar(&fv.Force, "force", def.Force, "ignore a stale PID-lock file")
	fs.StringVar(&fv.PidFile, "pid-file", def.PidFile, "PID-lock path (empty disables)")
	fs.IntVar(&fv.WebPort, "web-port", def.WebPort, "debug HTTP port (0 disables)")
	fs.IntVar(&fv.SlowLogMS, "slow-log-ms", def.SlowLogMS, "SLOW event threshold, ms")
	fs.StringVar(&fv.ConfigFile, "config", "", "YAML config file path")
	fs.BoolVar(&fv.Version, "v", false, "show version")
	fs.BoolVar(&fv.Help, "h", false, "show usage info")
	fs.BoolVar(&fv.Authors, "authors", false, "show authors and exit")
	fs.BoolVar(&fv.ShowConfig, "show-config", false, "print the resolved configuration and exit")

	return fv
}

// Authors is the static attribution string -authors prints.
const Authors = "sqlrelay authors"

// loadFlags overwrites every field whose flag was explicitly set on the
// command line (tracked via flag.Visit at parse time, recorded by whoever
// called fs.Parse before passing fs to Load). Since flag.FlagSet does not
// expose "was this set" at Load's call site directly, loadFlags re-runs
// Visit on fs itself, which only reports flags actually passed on argv.
func (c *Config) loadFlags(fs *flag.FlagSet) error {
	if err := c.CheckMutable(); err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			c.Port = atoiOr(f.Value.String(), c.Port)
		case "server-addr":
			c.ServerAddr = f.Value.String()
		case "server-port":
			c.ServerPort = atoiOr(f.Value.String(), c.ServerPort)
		case "timeout":
			c.TimeoutMS = atoiOr(f.Value.String(), c.TimeoutMS)
		case "connect-timeout":
			c.ConnectTimeout = atoiOr(f.Value.String(), c.ConnectTimeout)
		case "client-keep-alive":
			c.ClientKeepAlive = f.Value.String() == "true"
		case "server-keep-alive":
			c.ServerKeepAlive = f.Value.String() == "true"
		case "log-level":
			c.LogLevel = f.Value.String()
		case "no-daemon":
			c.NoDaemon = f.Value.String() == "true"
		case "force":
			c.Force = f.Value.String() == "true"
		case "pid-file":
			c.PidFile = f.Value.String()
		case "web-port":
			c.WebPort = atoiOr(f.Value.String(), c.WebPort)
		case "slow-log-ms":
			c.SlowLogMS = atoiOr(f.Value.String(), c.SlowLogMS)
		}
	})
	return nil
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return errors.Errorf("invalid server-port %d", c.ServerPort)
	}
	if strings.TrimSpace(c.ServerAddr) == "" {
		return errors.New("server-addr must not be empty")
	}
	if _, ok := logging.LevelMapperRev[c.LogLevel]; !ok {
		return errors.Errorf("unknown log level %s", c.LogLevel)
	}
	if c.TimeoutMS <= 0 {
		return errors.Errorf("invalid timeout %d", c.TimeoutMS)
	}
	if c.ConnectTimeout <= 0 {
		return errors.Errorf("invalid connect-timeout %d", c.ConnectTimeout)
	}
	return nil
}

// Dump renders the resolved configuration one field per line, with PidFile
// shown only as "<set>" (or empty when unset) since it is a filesystem path
// rather than a tunable worth echoing back to whoever ran -show-config.
func (c *Config) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "port: %d\n", c.Port)
	fmt.Fprintf(&b, "server_addr: %s\n", c.ServerAddr)
	fmt.Fprintf(&b, "server_port: %d\n", c.ServerPort)
	fmt.Fprintf(&b, "timeout: %d\n", c.TimeoutMS)
	fmt.Fprintf(&b, "connect_timeout: %d\n", c.ConnectTimeout)
	fmt.Fprintf(&b, "client_keep_alive: %v\n", c.ClientKeepAlive)
	fmt.Fprintf(&b, "server_keep_alive: %v\n", c.ServerKeepAlive)
	fmt.Fprintf(&b, "log_path: %s\n", c.LogPath)
	fmt.Fprintf(&b, "log_level: %s\n", c.LogLevel)
	fmt.Fprintf(&b, "log_expire_day: %d\n", c.LogExpireDay)
	fmt.Fprintf(&b, "no_daemon: %v\n", c.NoDaemon)
	fmt.Fprintf(&b, "force: %v\n", c.Force)
	fmt.Fprintf(&b, "pid_file: %s\n", redactPath(c.PidFile))
	fmt.Fprintf(&b, "web_port: %d\n", c.WebPort)
	fmt.Fprintf(&b, "slow_log_ms: %d\n", c.SlowLogMS)
	fmt.Fprintf(&b, "frozen: %v\n", c.IsFrozen())
	return b.String()
}

func redactPath(p string) string {
	if p == "" {
		return ""
	}
	return "<set>"
}

// UpstreamAddr formats ServerAddr/ServerPort as a dial target.
func (c *Config) UpstreamAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerAddr, c.ServerPort)
}

// ListenAddr formats Port as a bind target on every interface.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Freeze marks the configuration as owned by a running supervisor. After
// Freeze, loadYAML/loadEnv/loadFlags all fail with ErrConfigRunning instead
// of mutating a Config a supervisor is already using.
func (c *Config) Freeze() {
	atomic.StoreInt32(&c.frozen, 1)
}

// IsFrozen reports whether Freeze has been called.
func (c *Config) IsFrozen() bool {
	return atomic.LoadInt32(&c.frozen) != 0
}

// CheckMutable returns sqerrors.ErrConfigRunning if the config has already
// been frozen by a running supervisor.
func (c *Config) CheckMutable() error {
	if c.IsFrozen() {
		return sqerrors.ErrConfigRunning
	}
	return nil
}
