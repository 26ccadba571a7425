package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Router picks the provider that serves a model and runs the call behind a
// per-provider circuit breaker, so a flapping upstream is shed before any
// money moves for it.
type Router struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

func (r *Router) Route(model string) (Provider, error) {
	for _, p := range r.providers {
		if r.breakers[p.Name()].State() == gobreaker.StateOpen {
			continue
		}
		for _, m := range p.SupportedModels() {
			if m == model {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("no available provider serves model %s", model)
}

// Complete routes the request and executes it through the provider's
// circuit breaker.
func (r *Router) Complete(ctx context.Context, req *Request) (*Response, error) {
	p, err := r.Route(req.Model)
	if err != nil {
		return nil, err
	}

	result, err := r.breakers[p.Name()].Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}
