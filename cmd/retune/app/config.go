// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"

	"github.com/retunetv/retune/internal/schedule"
	"github.com/retunetv/retune/pkg/logging"
)

const (
	defaultPort       = 8575
	defaultTimeoutS   = 60
	defaultGuideHours = 24
)

type ServerConfig struct {
	LogFormat string `json:"logformat"`
	LogLevel  string `json:"loglevel"`
	Port      int    `json:"port"`
	TimeoutS  int    `json:"timeoutS"`
	// PlexURL is the base URL of the Plex server, e.g. http://plex:32400.
	PlexURL string `json:"plexurl"`
	// PlexToken authenticates catalog reads.
	PlexToken string `json:"plextoken"`
	// DataDir is the directory for the channel database. Empty runs
	// in-memory (state is lost on restart).
	DataDir string `json:"datadir"`
	// ServerID scopes channel and setup records per upstream server.
	ServerID string `json:"serverid"`
	// DemoMode keeps channels under a separate storage namespace so a
	// demo lineup never clobbers the live one.
	DemoMode bool `json:"demomode"`
	// AnchorMode selects schedule anchoring: local_midnight or
	// reference_now.
	AnchorMode string `json:"anchormode"`
	// GuideHours is the XMLTV export window length.
	GuideHours int `json:"guidehours"`
	// Domains is a comma-separated list of domains for Let's Encrypt
	Domains string `json:"domains"`
	// CertPath is a path to a valid TLS certificate
	CertPath string `json:"-"`
	// KeyPath is a path to a valid private TLS key
	KeyPath string `json:"-"`
}

var DefaultConfig = ServerConfig{
	LogFormat:  "text",
	LogLevel:   "INFO",
	Port:       defaultPort,
	TimeoutS:   defaultTimeoutS,
	PlexURL:    "http://localhost:32400",
	DataDir:    "./data",
	ServerID:   "default",
	AnchorMode: string(schedule.AnchorLocalMidnight),
	GuideHours: defaultGuideHours,
}

// LoadConfig loads defaults, config file, command line, and finally
// applies environment variables (RETUNE_ prefix).
func LoadConfig(args []string, cwd string) (*ServerConfig, error) {
	k := koanf.New(".")
	defaults := DefaultConfig
	err := k.Load(structs.Provider(defaults, "json"), nil)
	if err != nil {
		return nil, err
	}

	f := pflag.NewFlagSet("retune", pflag.ContinueOnError)
	f.Usage = func() {
		parts := strings.Split(args[0], "/")
		name := parts[len(parts)-1]
		fmt.Fprintf(os.Stderr, "Run as %s [options]:\n", name)
		f.PrintDefaults()
	}
	cfgFile := f.String("cfg", "", "path to a JSON config file")
	f.Int("port", k.Int("port"), "HTTP port")
	lf := strings.Join(logging.LogFormats, ", ")
	f.String("logformat", k.String("logformat"), fmt.Sprintf("log format [%s]", lf))
	ll := strings.Join(logging.LogLevels, ", ")
	f.String("loglevel", k.String("loglevel"), fmt.Sprintf("log level [%s]", ll))
	f.Int("timeout", k.Int("timeoutS"), "timeout for all requests (seconds)")
	f.String("plexurl", k.String("plexurl"), "Plex server base URL")
	f.String("plextoken", k.String("plextoken"), "Plex authentication token")
	f.String("datadir", k.String("datadir"), "channel database directory (empty = in-memory)")
	f.String("serverid", k.String("serverid"), "identifier scoping channels per upstream server")
	f.Bool("demomode", k.Bool("demomode"), "use the demo storage namespace")
	f.String("anchormode", k.String("anchormode"), "schedule anchor mode [local_midnight, reference_now]")
	f.Int("guidehours", k.Int("guidehours"), "XMLTV guide window in hours")
	f.String("domains", k.String("domains"), "One or more DNS domains (comma-separated) for auto certificate from Let's Encrypt")
	f.String("certpath", k.String("certpath"), "path to TLS certificate file (for HTTPS). Use domains instead if possible")
	f.String("keypath", k.String("keypath"), "path to TLS private key file (for HTTPS). Use domains instead if possible.")
	if err := f.Parse(args[1:]); err != nil {
		return nil, fmt.Errorf("command line parse: %w", err)
	}

	if *cfgFile != "" {
		cf := file.Provider(*cfgFile)
		if err := k.Load(cf, json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("parsing cli: %v", err)
	}
	if f.Changed("timeout") {
		t, _ := f.GetInt("timeout")
		if err := k.Load(confmap.Provider(map[string]any{"timeoutS": t}, "."), nil); err != nil {
			return nil, fmt.Errorf("parsing cli: %v", err)
		}
	}

	err = k.Load(env.Provider("RETUNE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "RETUNE_")), "_", ".", -1)
	}), nil)
	if err != nil {
		return nil, err
	}

	err = checkTLSParams(k)
	if err != nil {
		return nil, err
	}

	switch k.String("anchormode") {
	case string(schedule.AnchorLocalMidnight), string(schedule.AnchorReferenceNow):
	default:
		return nil, fmt.Errorf("anchormode %q not known", k.String("anchormode"))
	}

	// Make datadir absolute in case it is not already
	dataDir := k.String("datadir")
	if dataDir != "" && !path.IsAbs(dataDir) {
		dataDir = path.Join(cwd, dataDir)
		err = k.Load(confmap.Provider(map[string]any{
			"datadir": dataDir,
		}, "."), nil)
		if err != nil {
			return nil, err
		}
	}

	if k.String("domains") != "" {
		err = k.Load(confmap.Provider(map[string]any{
			"port": 443,
		}, "."), nil)
		if err != nil {
			return nil, err
		}
	}

	var cfg ServerConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkTLSParams(k *koanf.Koanf) error {
	domains := k.String("domains")
	certPath := k.String("certpath")
	keyPath := k.String("keypath")
	switch {
	case domains != "":
		if certPath != "" || keyPath != "" {
			return fmt.Errorf("cannot use certpath and keypath together with Let's Encrypt domains")
		}
		return nil
	case certPath == "" && keyPath == "":
		return nil // HTTP
	case certPath != "" && keyPath != "":
		return nil // HTTPS
	default:
		return fmt.Errorf("certpath and keypath must both be empty or set")
	}
}

// StorageNamespace is the channel-store key for this server and mode.
func (c *ServerConfig) StorageNamespace() string {
	mode := "live"
	if c.DemoMode {
		mode = "demo"
	}
	return fmt.Sprintf("retune_channels_v1:%s:%s", c.ServerID, mode)
}
