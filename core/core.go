package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultRegistry = "https://registry-1.docker.io"

	userAgent = "mydocker/1.0 (+https://github.com/ciiiii/mydocker)"
)

// Hosts that all mean Docker Hub.
var dockerHubHosts = map[string]bool{
	"docker.io":               true,
	"index.docker.io":         true,
	"registry-1.docker.io":    true,
	"registry.hub.docker.com": true,
}

type RegistryAccount struct {
	Username string
	Password string
}

type Options struct {
	Registry string
	Account  *RegistryAccount
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Client talks to one registry. Every request goes through Do, which answers
// a 401 challenge with a bearer token and retries once.
type Client struct {
	http     *resty.Client
	registry string
	account  *RegistryAccount
	log      zerolog.Logger
}

func NewClient(opts Options) *Client {
	registry := strings.TrimRight(opts.Registry, "/")
	if registry == "" {
		registry = DefaultRegistry
	}
	client := resty.New().
		SetHeader("User-Agent", userAgent).
		SetLogger(restyLogger{opts.Logger})
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	return &Client{
		http:     client,
		registry: registry,
		account:  opts.Account,
		log:      opts.Logger,
	}
}

// RegistryURL maps the registry host of a reference to a base URL. An empty
// host or any Docker Hub alias returns fallback.
func RegistryURL(host, fallback string) string {
	if host == "" || dockerHubHosts[host] {
		if fallback == "" {
			return DefaultRegistry
		}
		return fallback
	}
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		return "http://" + host
	}
	return "https://" + host
}

func (c *Client) Registry() string {
	return c.registry
}

// CloseIdleConnections drops pooled keep-alive connections. Called once the
// network phase is over so no transport goroutines outlive it.
func (c *Client) CloseIdleConnections() {
	c.http.GetClient().CloseIdleConnections()
}

func (c *Client) url(repo, kind, ref string) string {
	return fmt.Sprintf("%s/v2/%s/%s/%s", c.registry, repo, kind, ref)
}

type restyLogger struct {
	log zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), v...)
}
