package provider

import (
	"net/http"
	"time"
)

// Default timeouts per deployment. The streaming default is larger because
// idle gaps between chunks are expected.
const (
	DefaultTimeout       = 600 * time.Second
	DefaultStreamTimeout = 900 * time.Second
)

// Credentials is the opaque credential map for a deployment. The router
// never inspects it; adapters interpret the keys they need.
type Credentials map[string]string

// Well-known credential keys.
const (
	CredAPIKey     = "api_key"
	CredAPIBase    = "api_base"
	CredAPIVersion = "api_version"
	CredRegion     = "region"
	CredProject    = "project"
	CredTenant     = "tenant"
)

// Get returns the credential for key, or "".
func (c Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return c[key]
}

// Limits are the optional per-deployment routing and capacity inputs.
type Limits struct {
	RPM                 int64
	TPM                 int64
	Weight              float64
	MaxParallelRequests int
	Timeout             time.Duration
	StreamTimeout       time.Duration
	NumRetries          *int
	MaxInputTokens      int
	MaxOutputTokens     int
	AllowedRegions      []string
}

// Deployment is one configured upstream endpoint: credentials + model +
// limits. Many deployments may share one ModelName; that group is the unit
// of load balancing.
type Deployment struct {
	// ID is stable and unique within the process, assigned at
	// registration and never reused.
	ID string

	// ModelName is the logical group key clients ask for.
	ModelName string

	// Provider selects the adapter. Immutable post-creation.
	Provider string

	// UpstreamModel is the provider-side model identifier.
	UpstreamModel string

	// BaseModel is the Azure context-window lookup fallback.
	BaseModel string

	Credentials Credentials
	Limits      Limits
	Tags        []string

	// MockResponse/MockTimeout configure the deployment-level test knobs.
	MockResponse string
	MockTimeout  bool

	clients *ClientPool
}

// UnaryTimeout returns the effective unary timeout.
func (d *Deployment) UnaryTimeout() time.Duration {
	if d.Limits.Timeout > 0 {
		return d.Limits.Timeout
	}
	return DefaultTimeout
}

// StreamTimeout returns the effective stream idle timeout.
func (d *Deployment) StreamTimeout() time.Duration {
	if d.Limits.StreamTimeout > 0 {
		return d.Limits.StreamTimeout
	}
	return DefaultStreamTimeout
}

// HasTag reports whether the deployment carries the tag.
func (d *Deployment) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// InitClients builds the deployment's HTTP client pool eagerly so the
// first request pays no setup cost. Called once at registration.
func (d *Deployment) InitClients() {
	if d.clients == nil {
		d.clients = NewClientPool(d.UnaryTimeout(), d.StreamTimeout())
	}
}

// Clients returns the deployment's client pool, initializing lazily if
// registration skipped it.
func (d *Deployment) Clients() *ClientPool {
	if d.clients == nil {
		d.InitClients()
	}
	return d.clients
}

// InitClientsForce rebuilds the client pool. Used when a limits update
// changes timeouts.
func (d *Deployment) InitClientsForce() {
	d.clients = NewClientPool(d.UnaryTimeout(), d.StreamTimeout())
}

// CloseClients drops idle connections. Called on deployment removal;
// in-flight calls complete or fail, no new ones are dispatched.
func (d *Deployment) CloseClients() {
	if d.clients != nil {
		d.clients.CloseIdle()
	}
}

// ClientPool holds the per-deployment HTTP clients: one for unary calls
// with the unary timeout, one for streaming with no overall deadline
// (stream idle timeouts are enforced per-read by the stream reader).
// Both are safe for concurrent use and multiplexed across all requests
// for the deployment.
type ClientPool struct {
	unary  *http.Client
	stream *http.Client
}

// NewClientPool creates the pool with the given timeouts.
func NewClientPool(unaryTimeout, streamTimeout time.Duration) *ClientPool {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &ClientPool{
		unary: &http.Client{
			Transport: transport,
			Timeout:   unaryTimeout,
		},
		stream: &http.Client{
			Transport: transport,
			// No overall deadline: a healthy stream may legitimately
			// outlive any fixed budget. Idle gaps are bounded by the
			// reader using streamTimeout.
		},
	}
}

// Unary returns the client for blocking calls.
func (p *ClientPool) Unary() *http.Client { return p.unary }

// Stream returns the client for streaming calls.
func (p *ClientPool) Stream() *http.Client { return p.stream }

// CloseIdle drops idle connections on both clients.
func (p *ClientPool) CloseIdle() {
	p.unary.CloseIdleConnections()
	p.stream.CloseIdleConnections()
}
