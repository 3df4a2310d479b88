package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message/peer"
	"github.com/gotd/td/tg"
)

// ClientConfig holds MTProto credentials. Code is asked for the login code
// the first time a session file is created.
type ClientConfig struct {
	APIID       int    `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	Phone       string `yaml:"phone"`
	Password    string `yaml:"-"`
	SessionFile string `yaml:"session_file"`

	Code func(ctx context.Context) (string, error) `yaml:"-"`
}

func (c *ClientConfig) defaults() {
	if c.SessionFile == "" {
		c.SessionFile = "telegram-session.json"
	}
}

// Client is a connected, authorized MTProto client. It stays up until the
// context passed to Dial is cancelled.
type Client struct {
	raw    *telegram.Client
	logger *slog.Logger
	done   chan error
}

// Dial connects, authorizes if the session is new, and returns once the
// client is usable.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, errors.New("telegram: api_id and api_hash are required")
	}

	c := &Client{
		raw: telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
			SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		}),
		logger: logger,
		done:   make(chan error, 1),
	}

	ready := make(chan struct{})
	go func() {
		c.done <- c.raw.Run(ctx, func(ctx context.Context) error {
			if err := c.authorize(ctx, cfg); err != nil {
				return err
			}
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		logger.Info("telegram: client ready", "session", cfg.SessionFile)
		return c, nil
	case err := <-c.done:
		return nil, fmt.Errorf("telegram: connect: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) authorize(ctx context.Context, cfg ClientConfig) error {
	status, err := c.raw.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("telegram: auth status: %w", err)
	}
	if status.Authorized {
		return nil
	}
	if cfg.Phone == "" || cfg.Code == nil {
		return errors.New("telegram: session not authorized and no phone/code prompt configured")
	}
	c.logger.Info("telegram: sending login code", "phone", cfg.Phone)
	flow := auth.NewFlow(
		auth.Constant(cfg.Phone, cfg.Password, auth.CodeAuthenticatorFunc(
			func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
				code, err := cfg.Code(ctx)
				return strings.TrimSpace(code), err
			})),
		auth.SendCodeOptions{},
	)
	if err := flow.Run(ctx, c.raw.Auth()); err != nil {
		return fmt.Errorf("telegram: login: %w", err)
	}
	return nil
}

// Source returns a history source backed by this client.
func (c *Client) Source(opts Options) *Source {
	api := c.raw.API()
	return New(api, peer.DefaultResolver(api), opts)
}

// Wait blocks until the client stops and returns why.
func (c *Client) Wait() error {
	err := <-c.done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
