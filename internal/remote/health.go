package remote

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Endpoint struct {
	Name string
	URL  string
}

type ServiceStatus struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	Error  string `json:"error,omitempty"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// CheckServices probes GET {url}/health on every endpoint concurrently.
// A probe failure marks the endpoint offline; it never fails the call.
func CheckServices(ctx context.Context, timeout time.Duration, endpoints ...Endpoint) map[string]ServiceStatus {
	var (
		mu      sync.Mutex
		results = make(map[string]ServiceStatus, len(endpoints))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		g.Go(func() error {
			status := ServiceStatus{Status: StatusOnline, URL: ep.URL}
			if err := newClient(ep.Name, ep.URL, timeout).get(gctx, "/health"); err != nil {
				status.Status = StatusOffline
				status.Error = err.Error()
			}
			mu.Lock()
			results[ep.Name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
