// Package middleware provides reusable producer.Handler middlewares such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/reel/runtime/build/producer"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style token bucket on top of a
	// producer.Handler. It blocks invocations until capacity is available and
	// adjusts its effective requests-per-minute budget in response to rate
	// limiting signals from the provider.
	//
	// The limiter is process-local and sits at the provider handler boundary:
	// construct one instance per provider and wrap its handler with
	// Middleware before registering it.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentRPM float64
		minRPM     float64
		maxRPM     float64

		recoveryRate float64
	}

	limitedHandler struct {
		next    producer.Handler
		limiter *AdaptiveRateLimiter
	}
)

// NewAdaptiveRateLimiter constructs a limiter with a requests-per-minute
// budget. The budget halves on provider throttling and recovers additively
// on success, clamped to [initialRPM/10, maxRPM]. When maxRPM is zero or
// below initialRPM it is clamped to initialRPM.
func NewAdaptiveRateLimiter(initialRPM, maxRPM float64) *AdaptiveRateLimiter {
	if initialRPM <= 0 {
		initialRPM = 60
	}
	if maxRPM <= 0 || maxRPM < initialRPM {
		maxRPM = initialRPM
	}
	minRPM := initialRPM * 0.1
	if minRPM < 1 {
		minRPM = 1
	}
	recoveryRate := initialRPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	burst := int(initialRPM)
	if burst < 1 {
		burst = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialRPM/60.0), burst),
		currentRPM:   initialRPM,
		minRPM:       minRPM,
		maxRPM:       maxRPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns a producer.Handler middleware enforcing the limiter on
// every Invoke call. WarmStart passes through unmetered.
func (l *AdaptiveRateLimiter) Middleware() func(producer.Handler) producer.Handler {
	return func(next producer.Handler) producer.Handler {
		if next == nil {
			return nil
		}
		return &limitedHandler{next: next, limiter: l}
	}
}

// RPM returns the current effective requests-per-minute budget.
func (l *AdaptiveRateLimiter) RPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRPM
}

// WarmStart delegates to the wrapped handler.
func (h *limitedHandler) WarmStart(ctx context.Context) error {
	return h.next.WarmStart(ctx)
}

// Invoke blocks until the limiter grants a slot, then delegates. Throttling
// results shrink the budget; successes grow it back.
func (h *limitedHandler) Invoke(ctx context.Context, req producer.ProduceRequest) (producer.ProduceResult, error) {
	if err := h.limiter.limiter.Wait(ctx); err != nil {
		return producer.ProduceResult{}, err
	}
	res, err := h.next.Invoke(ctx, req)
	h.limiter.observe(err)
	return res, err
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if pe, ok := producer.AsError(err); ok && pe.Kind() == producer.ErrorKindRateLimited {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newRPM := l.currentRPM * 0.5
	if newRPM < l.minRPM {
		newRPM = l.minRPM
	}
	l.apply(newRPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newRPM := l.currentRPM + l.recoveryRate
	if newRPM > l.maxRPM {
		newRPM = l.maxRPM
	}
	l.apply(newRPM)
}

// apply updates the limiter budget. Callers hold mu.
func (l *AdaptiveRateLimiter) apply(rpm float64) {
	if rpm == l.currentRPM {
		return
	}
	l.currentRPM = rpm
	l.limiter.SetLimit(rate.Limit(rpm / 60.0))
	burst := int(rpm)
	if burst < 1 {
		burst = 1
	}
	l.limiter.SetBurst(burst)
}
