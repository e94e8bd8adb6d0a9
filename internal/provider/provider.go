package provider

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/credential-dispatcher/internal/keypool"
)

const DefaultTimeout = 60 * time.Second

var ErrNoPool = errors.New("provider needs a key pool")

// EndpointFactory resolves the request URL for a model and credential.
type EndpointFactory func(model, secret string) string

// StaticEndpoint returns a factory for a URL template. The placeholder
// "{model}" is replaced with the model id.
func StaticEndpoint(template string) EndpointFactory {
	return func(model, _ string) string {
		return strings.ReplaceAll(template, "{model}", model)
	}
}

// Handle is what a request function receives for one upstream call.
type Handle struct {
	Provider   string
	Model      string
	Endpoint   string
	APIKey     string
	MaskedKey  string
	HTTPClient *http.Client
}

type Config struct {
	Name        string
	Model       string
	Endpoint    EndpointFactory
	MaxAttempts int
	Timeout     time.Duration
}

// Provider is immutable after construction. All mutable state lives in its pool.
type Provider struct {
	name        string
	model       string
	endpoint    EndpointFactory
	maxAttempts int
	pool        *keypool.Pool
	client      *http.Client
}

func New(cfg Config, pool *keypool.Pool) (*Provider, error) {
	if pool == nil {
		return nil, ErrNoPool
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	endpoint := cfg.Endpoint
	if endpoint == nil {
		endpoint = StaticEndpoint("")
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Provider{
		name:        cfg.Name,
		model:       cfg.Model,
		endpoint:    endpoint,
		maxAttempts: cfg.MaxAttempts,
		pool:        pool,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Model() string {
	return p.model
}

// Pool returns the provider's key pool.
func (p *Provider) Pool() *keypool.Pool {
	return p.pool
}

// MaxAttempts returns how many upstream calls one dispatch may spend on this
// provider. It never exceeds the number of keys; a configured value of zero
// or less means one attempt per key.
func (p *Provider) MaxAttempts() int {
	n := p.pool.Len()
	if p.maxAttempts > 0 && p.maxAttempts < n {
		return p.maxAttempts
	}
	return n
}

// Acquire selects a key from the pool and wraps it in a Handle.
func (p *Provider) Acquire() (Handle, keypool.Selection) {
	sel := p.pool.SelectActive()
	return p.handleFor(sel), sel
}

func (p *Provider) handleFor(sel keypool.Selection) Handle {
	return Handle{
		Provider:   p.name,
		Model:      p.model,
		Endpoint:   p.endpoint(p.model, sel.Secret),
		APIKey:     sel.Secret,
		MaskedKey:  sel.MaskedID,
		HTTPClient: p.client,
	}
}
