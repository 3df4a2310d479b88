package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/hazyhaar/chanarchive/connectivity"
	"github.com/hazyhaar/chanarchive/cursor"
	"github.com/hazyhaar/chanarchive/rawstore"
	"github.com/hazyhaar/chanarchive/source/discordapi"
	"github.com/hazyhaar/chanarchive/source/discordweb"
	"github.com/hazyhaar/chanarchive/source/telegram"
)

// sources builds each source on first use, guards it with retry and a
// circuit breaker, and keeps it for the life of the process. The telegram client stays connected until ctx ends.
type sources struct {
	ctx    context.Context
	cfg    *appConfig
	logger *slog.Logger

	mu    sync.Mutex
	built map[string]cursor.Source
	tg    *telegram.Client
}

func newSources(ctx context.Context, cfg *appConfig, logger *slog.Logger) *sources {
	return &sources{ctx: ctx, cfg: cfg, logger: logger, built: make(map[string]cursor.Source)}
}

// get resolves a source name; it is the scheduler's SourceFunc.
func (s *sources) get(name string) (cursor.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.built[name]; ok {
		return src, nil
	}
	src, err := s.build(name)
	if err != nil {
		return nil, err
	}
	gopts := s.cfg.Guard
	gopts.Logger = s.logger
	guarded := connectivity.Guard(src, gopts)
	s.built[name] = guarded
	return guarded, nil
}

func (s *sources) build(name string) (cursor.Source, error) {
	switch name {
	case "discord":
		if s.cfg.Discord.Token == "" {
			return nil, errors.New("discord: DISCORD_TOKEN is not set")
		}
		sess, err := discordapi.NewSession(s.cfg.Discord.Token, s.cfg.Discord.Bot)
		if err != nil {
			return nil, err
		}
		return discordapi.New(sess, discordapi.Options{
			PageSize: s.cfg.Discord.PageSize,
			Logger:   s.logger,
		}), nil

	case "discord-web":
		bc := s.cfg.Browser
		bc.Logger = s.logger
		return discordweb.NewBrowserSource(bc), nil

	case "discord-html":
		return discordweb.NewFileSource(s.cfg.HTMLGlob), nil

	case "telegram":
		tc := s.cfg.Telegram
		tc.Code = promptCode
		c, err := telegram.Dial(s.ctx, tc, s.logger)
		if err != nil {
			return nil, err
		}
		s.tg = c
		return c.Source(telegram.Options{Logger: s.logger}), nil

	case "replay":
		return rawstore.NewSource(s.cfg.RawDir), nil
	}
	return nil, fmt.Errorf("unknown source %q (want discord, discord-web, discord-html, telegram or replay)", name)
}

// wait blocks until background clients have stopped.
func (s *sources) wait() {
	s.mu.Lock()
	c := s.tg
	s.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Wait(); err != nil {
		s.logger.Warn("telegram: client stopped", "error", err)
	}
}

func promptCode(ctx context.Context) (string, error) {
	fmt.Fprint(os.Stderr, "telegram login code: ")
	line := make(chan string, 1)
	go func() {
		s, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		line <- s
	}()
	select {
	case s := <-line:
		return strings.TrimSpace(s), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
