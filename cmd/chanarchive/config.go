package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/chanarchive/connectivity"
	"github.com/hazyhaar/chanarchive/cursor"
	"github.com/hazyhaar/chanarchive/schedule"
	"github.com/hazyhaar/chanarchive/source/discordweb"
	"github.com/hazyhaar/chanarchive/source/telegram"
)

// appConfig is the YAML file of the command. Secrets come from the
// environment (or .env), never from the file.
type appConfig struct {
	cursor.Config `yaml:",inline"`

	HTTPAddr string                    `yaml:"http_addr"`
	Jobs     []schedule.Job            `yaml:"jobs"`
	Guard    connectivity.GuardOptions `yaml:"guard"`

	Discord  discordConfig            `yaml:"discord"`
	Telegram telegram.ClientConfig    `yaml:"telegram"`
	Browser  discordweb.BrowserConfig `yaml:"browser"`

	// HTMLGlob selects saved pages for the discord-html source.
	HTMLGlob string `yaml:"html_glob"`
}

type discordConfig struct {
	Token    string `yaml:"-"`
	Bot      bool   `yaml:"bot"`
	PageSize int    `yaml:"page_size"`
}

func (c *appConfig) defaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = "127.0.0.1:8086"
	}
	if c.RawDir == "" {
		c.RawDir = "raw"
	}
	if c.HTMLGlob == "" {
		c.HTMLGlob = "snapshots/*.html"
	}
}

// loadConfig reads .env (if any), the YAML file (if given) and the
// secret environment variables.
func loadConfig(path string) (*appConfig, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := &appConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.defaults()

	cfg.Discord.Token = os.Getenv("DISCORD_TOKEN")
	if v := os.Getenv("DISCORD_BOT"); v != "" {
		cfg.Discord.Bot = v == "1" || v == "true"
	}
	if v := os.Getenv("TELEGRAM_APP_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: TELEGRAM_APP_ID: %w", err)
		}
		cfg.Telegram.APIID = id
	}
	if v := os.Getenv("TELEGRAM_APP_HASH"); v != "" {
		cfg.Telegram.APIHash = v
	}
	if v := os.Getenv("TELEGRAM_PHONE"); v != "" {
		cfg.Telegram.Phone = v
	}
	cfg.Telegram.Password = os.Getenv("TELEGRAM_PASSWORD")
	return cfg, nil
}
