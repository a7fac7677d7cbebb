package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type AgentConfig struct {
	ServerURL   string `json:"server_url"`
	Token       string `json:"token"`
	NodeID      string `json:"node_id"`
	FilesRoot   string `json:"files_root"`
	VolumesRoot string `json:"volumes_root"`
	ChunkSize   int    `json:"chunk_size"`
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		FilesRoot:   "data/files",
		VolumesRoot: "data/volumes",
	}
}

// LoadAgentConfig reads JSON from path (default config/agent.json) and
// applies env overrides.
func LoadAgentConfig(path string) (AgentConfig, error) {
	if path == "" {
		path = filepath.Join("config", "agent.json")
	}
	cfg := defaultAgentConfig()
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &cfg)
	}
	if v := os.Getenv("CTLPLANE_AGENT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("CTLPLANE_AGENT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("CTLPLANE_AGENT_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("CTLPLANE_AGENT_FILES_ROOT"); v != "" {
		cfg.FilesRoot = v
	}
	if v := os.Getenv("CTLPLANE_AGENT_VOLUMES_ROOT"); v != "" {
		cfg.VolumesRoot = v
	}
	if v := os.Getenv("CTLPLANE_AGENT_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChunkSize = n
		}
	}
	cfg.ServerURL = strings.TrimSpace(cfg.ServerURL)
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	return cfg, nil
}
