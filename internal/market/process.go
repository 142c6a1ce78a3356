// Package market provides synthetic price generation and distribution.
package market

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"tradesim/internal/config"
	"tradesim/internal/errors"
	"tradesim/internal/models"
)

// Process generates a geometric Brownian motion price path for one symbol.
// It is safe for concurrent use.
type Process struct {
	symbol   string
	minPrice float64
	maxPrice float64
	dt       float64

	mu         sync.Mutex
	price      float64
	drift      float64
	volatility float64
	rng        *rand.Rand
}

// NewProcess creates a price process from symbol configuration.
// The step size dt is expressed in years of trading time per tick.
func NewProcess(cfg config.SymbolConfig, dt float64, seed int64) *Process {
	return &Process{
		symbol:     cfg.Symbol,
		minPrice:   cfg.MinPrice,
		maxPrice:   cfg.MaxPrice,
		dt:         dt,
		price:      cfg.InitialPrice,
		drift:      cfg.Drift,
		volatility: cfg.Volatility,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Next advances the process one step and returns the new tick.
//
//	S' = S + mu*S*dt + sigma*S*sqrt(dt)*Z
//
// The result is clamped to the configured price band so the path can never
// run away or go non-positive.
func (p *Process) Next() models.PriceTick {
	p.mu.Lock()
	defer p.mu.Unlock()

	z := boxMuller(p.rng)
	next := p.price + p.drift*p.price*p.dt + p.volatility*p.price*math.Sqrt(p.dt)*z

	if next < p.minPrice {
		next = p.minPrice
	}
	if next > p.maxPrice {
		next = p.maxPrice
	}
	p.price = next

	return models.PriceTick{
		Symbol:    p.symbol,
		Price:     next,
		Timestamp: time.Now(),
	}
}

// Price returns the current price without advancing the process.
func (p *Process) Price() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price
}

// SetDrift updates the drift parameter. Non-finite values are rejected.
func (p *Process) SetDrift(drift float64) error {
	if math.IsNaN(drift) || math.IsInf(drift, 0) {
		return errors.Validation("drift must be finite, got %v", drift)
	}
	p.mu.Lock()
	p.drift = drift
	p.mu.Unlock()
	return nil
}

// SetVolatility updates the volatility parameter. Non-finite or negative
// values are rejected.
func (p *Process) SetVolatility(vol float64) error {
	if math.IsNaN(vol) || math.IsInf(vol, 0) || vol < 0 {
		return errors.Validation("volatility must be finite and non-negative, got %v", vol)
	}
	p.mu.Lock()
	p.volatility = vol
	p.mu.Unlock()
	return nil
}

// Params returns the current drift and volatility.
func (p *Process) Params() (drift, volatility float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drift, p.volatility
}

// boxMuller draws one standard-normal sample from two uniform draws.
func boxMuller(rng *rand.Rand) float64 {
	u1 := rng.Float64()
	for u1 == 0 {
		u1 = rng.Float64()
	}
	u2 := rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
