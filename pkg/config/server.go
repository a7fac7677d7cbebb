package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"stackpad/controlplane/pkg/nodes"
)

type TLSConfig struct {
	Enable   bool   `json:"enable"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

type ServerConfig struct {
	Addr      string    `json:"addr"`
	TLS       TLSConfig `json:"tls"`
	StaticDir string    `json:"static_dir"`

	// NodeToken authenticates agent connections; empty means the token is
	// bootstrapped into data/token on first start.
	NodeToken string `json:"node_token"`

	// Sessions accepted by the static session validator. The real web
	// layer replaces this.
	Sessions []string `json:"sessions"`

	Nodes []nodes.Node `json:"nodes"`
	// Applications maps application_uuid -> node id.
	Applications map[string]string `json:"applications"`
	// Volumes maps volume name -> node id.
	Volumes map[string]string `json:"volumes"`

	// BridgeDB switches the bridge rendezvous to the bbolt store for
	// split-process deployments; empty keeps the in-memory store.
	BridgeDB string `json:"bridge_db"`

	DNSServers []string `json:"dns_servers"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		StaticDir:    "web/admin",
		Applications: map[string]string{},
		Volumes:      map[string]string{},
	}
}

// LoadServerConfig reads JSON from path and applies env overrides.
// Priority: env > file > default.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse json: %w", err)
			}
		}
	}
	if v := os.Getenv("CTLPLANE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("CTLPLANE_TLS_ENABLE"); v != "" {
		cfg.TLS.Enable = boolEnv(v)
	}
	if v := os.Getenv("CTLPLANE_TLS_CERT"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("CTLPLANE_TLS_KEY"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("CTLPLANE_NODE_TOKEN"); v != "" {
		cfg.NodeToken = v
	}
	if v := os.Getenv("CTLPLANE_STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("CTLPLANE_BRIDGE_DB"); v != "" {
		cfg.BridgeDB = v
	}
	if v := os.Getenv("CTLPLANE_DNS_SERVERS"); v != "" {
		cfg.DNSServers = splitCSV(v)
	}
	if v := os.Getenv("CTLPLANE_SESSIONS"); v != "" {
		cfg.Sessions = splitCSV(v)
	}
	return cfg, nil
}

func boolEnv(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
