// Package verify checks that a URL resolves and loads before the pipeline
// spends a full render on it. Its findings are advisory.
package verify

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// DefaultTimeout bounds the whole check: DNS lookup plus load.
const DefaultTimeout = 10 * time.Second

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Verifier probes DNS and then loads the page once with WaitLoad.
type Verifier struct {
	resolver Resolver
	renderer crawler.Renderer
	timeout  time.Duration
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithResolver swaps the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(v *Verifier) { v.resolver = r }
}

// WithTimeout overrides the check timeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// New builds a Verifier around the render engine.
func New(renderer crawler.Renderer, opts ...Option) *Verifier {
	v := &Verifier{
		resolver: net.DefaultResolver,
		renderer: renderer,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify reports reachability of rawURL. Only a malformed URL is an error;
// lookup and load failures are recorded in the result.
func (v *Verifier) Verify(ctx context.Context, rawURL string) (crawler.VerificationResult, error) {
	target, err := crawler.ParseTarget(rawURL)
	if err != nil {
		return crawler.VerificationResult{}, &crawler.ValidationError{Field: "url", Reason: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	started := time.Now()

	result := crawler.VerificationResult{DNS: crawler.ProbeFailed, HTTP: crawler.ProbeFailed}
	host := target.Hostname()
	if net.ParseIP(host) != nil {
		result.DNS = crawler.ProbeSuccess
		result.ResolvedHost = host
	} else {
		addrs, err := v.resolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			result.Error = fmt.Sprintf("dns lookup %s: %v", host, err)
			return result, nil
		}
		result.DNS = crawler.ProbeSuccess
		result.ResolvedHost = addrs[0]
	}

	remaining := v.timeout - time.Since(started)
	if remaining <= 0 {
		result.Error = fmt.Sprintf("load %s: %v", target.String(), context.DeadlineExceeded)
		return result, nil
	}
	page, err := v.renderer.Load(ctx, target.String(), crawler.WaitLoad, remaining)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.HTTP = crawler.ProbeSuccess
	result.HTTPStatus = page.StatusCode
	result.ContentType = page.ContentType
	return result, nil
}
