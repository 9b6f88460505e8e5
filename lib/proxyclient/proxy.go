package proxyclient

import (
	"fmt"
	"net/url"
	"sync"
)

// Endpoint describes one upstream residential proxy. The list is static
// configuration, read-only after load.
type Endpoint struct {
	Name     string `json:"name"`
	HostPort string `json:"host_port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Label    string `json:"label"`
}

func (e Endpoint) IsZero() bool {
	return e.HostPort == ""
}

// URL builds the authenticated proxy url the transport connects through.
func (e Endpoint) URL() string {
	if e.Username == "" {
		return fmt.Sprintf("http://%s", e.HostPort)
	}
	auth := url.UserPassword(e.Username, e.Password)
	return fmt.Sprintf("http://%s@%s", auth.String(), e.HostPort)
}

// Pool rotates over a fixed list of proxy endpoints round-robin. An empty
// pool is valid: Next reports no endpoint and callers proceed unproxied.
type Pool struct {
	mu        sync.Mutex
	endpoints []Endpoint
	index     int
}

func NewPool(endpoints []Endpoint) *Pool {
	return &Pool{endpoints: endpoints}
}

func (p *Pool) Next() (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return Endpoint{}, false
	}
	e := p.endpoints[p.index%len(p.endpoints)]
	p.index++
	return e, true
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}
