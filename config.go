package capsule

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/aetherhq/capsule/hook"
	"github.com/aetherhq/capsule/internal/framelog"
)

// ConfigURI is the reserved uri holding capsule configuration. Config
// updates are ordinary versioned frames, so they travel with the file
// and history is queryable like any other uri.
const ConfigURI = "capsule://config/index.json"

// HookConfig describes one external hook command.
type HookConfig struct {
	Command   []string `json:"command"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
	FullText  bool     `json:"full_text,omitempty"`
}

func (h *HookConfig) command() *hook.Command {
	if h == nil || len(h.Command) == 0 {
		return nil
	}
	return &hook.Command{
		Argv:     h.Command,
		Timeout:  time.Duration(h.TimeoutMS) * time.Millisecond,
		FullText: h.FullText,
	}
}

// HooksConfig holds the configured hook commands.
type HooksConfig struct {
	Expansion *HookConfig `json:"expansion,omitempty"`
	Rerank    *HookConfig `json:"rerank,omitempty"`
}

// Config is the capsule-level configuration stored at ConfigURI.
type Config struct {
	Hooks HooksConfig `json:"hooks"`
}

// Config returns the stored configuration, or an empty Config when none
// has been set.
func (c *Capsule) Config() (*Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	return cfg, nil
}

// loadConfig reads the latest config frame. Callers hold at least a
// read lock. A missing frame returns (nil, nil).
func (c *Capsule) loadConfig() (*Config, error) {
	fr, err := c.log.Latest(ConfigURI)
	if err != nil {
		if errors.Is(err, framelog.ErrNotFound) {
			return nil, nil
		}
		return nil, translateError(err)
	}

	var cfg Config
	if err := json.Unmarshal(fr.Body, &cfg); err != nil {
		return nil, translateError(err)
	}
	return &cfg, nil
}

// SetConfig appends a new config frame and rewires the query hooks.
func (c *Capsule) SetConfig(cfg *Config) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	if _, err := c.Put(ConfigURI, body); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.planner = newPlanner(c)
	return nil
}
