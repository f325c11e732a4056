package inference

import (
	"context"
	"sync"

	"familyhub/internal/health"
	"familyhub/internal/logging"
)

var log = logging.Component("inference")

// DegradedMessage is answered when no backend is configured
const DegradedMessage = "I'm sorry, I can't reach my language model right now. Please try again in a moment."

// Gateway hands out backends from a fixed pool in round-robin order.
// Every backend call runs under the model_backend circuit breaker.
type Gateway struct {
	mu      sync.Mutex
	pool    []Backend
	next    int
	breaker *health.CircuitBreaker
}

// NewGateway creates a gateway over pool
func NewGateway(pool []Backend, breaker *health.CircuitBreaker) *Gateway {
	return &Gateway{pool: pool, breaker: breaker}
}

// Size returns the pool size
func (g *Gateway) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pool)
}

// Breaker returns the breaker guarding backend calls
func (g *Gateway) Breaker() *health.CircuitBreaker {
	return g.breaker
}

func (g *Gateway) acquire() (Backend, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pool) == 0 {
		return nil, false
	}
	b := g.pool[g.next%len(g.pool)]
	g.next = (g.next + 1) % len(g.pool)
	return b, true
}

// Generate runs a non-streaming completion. An empty pool answers the
// degraded apology instead of failing.
func (g *Gateway) Generate(ctx context.Context, req Request) (Completion, error) {
	backend, ok := g.acquire()
	if !ok {
		log.Warn("⚠️  [GATEWAY] No model backend available, answering degraded")
		return Completion{Content: DegradedMessage, Model: req.Model, TokenCount: EstimateTokens(DegradedMessage), Degraded: true}, nil
	}

	var completion Completion
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		completion, err = backend.Generate(ctx, req)
		return err
	})
	if err != nil {
		return Completion{}, err
	}
	return completion, nil
}

// Stream runs a streaming completion. The whole stream counts as one call
// against the breaker and its deadline.
func (g *Gateway) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)

	backend, ok := g.acquire()
	if !ok {
		log.Warn("⚠️  [GATEWAY] No model backend available, streaming degraded answer")
		go func() {
			defer close(errCh)
			defer close(out)
			out <- DegradedMessage
		}()
		return out, errCh
	}

	go func() {
		defer close(errCh)
		defer close(out)

		err := g.breaker.Call(ctx, func(ctx context.Context) error {
			tokens, errs := backend.StreamGenerate(ctx, req)
			for tok := range tokens {
				if !send(ctx, out, tok) {
					// drain so the backend goroutine can exit
					for range tokens {
					}
					return ctx.Err()
				}
			}
			return <-errs
		})
		if err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}
