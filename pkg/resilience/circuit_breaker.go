package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrCircuitOpen viene restituito quando il circuit breaker è aperto
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests viene restituito quando ci sono troppe richieste in half-open state
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// State rappresenta lo stato del circuit breaker
type State int

const (
	// StateClosed il circuito è chiuso, le richieste passano normalmente
	StateClosed State = iota

	// StateOpen il circuito è aperto, le richieste vengono rifiutate
	StateOpen

	// StateHalfOpen il circuito sta testando se tornare chiuso
	StateHalfOpen
)

// String restituisce la rappresentazione string dello stato
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig contiene la configurazione del circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold numero di errori consecutivi prima di aprire il circuito
	FailureThreshold int

	// SuccessThreshold numero di successi consecutivi in half-open prima di chiudere
	SuccessThreshold int

	// Timeout durata prima di passare da open a half-open
	Timeout time.Duration

	// HalfOpenMaxRequests numero massimo di richieste in half-open
	HalfOpenMaxRequests int

	// OnStateChange callback chiamata quando lo stato cambia
	OnStateChange func(from, to State)
}

// DefaultCircuitBreakerConfig restituisce una configurazione di default
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:            60 * time.Second,
		HalfOpenMaxRequests: 3,
		OnStateChange:      nil,
	}
}

// CircuitBreaker implementa il pattern circuit breaker per prevenire cascading failures.
// Ogni istanza è legata a uno shard Redis: lo shard viaggia nei log e nelle
// statistiche così un breaker aperto punta subito all'origine del guasto.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	shard  string

	mu                 sync.RWMutex
	state              State
	failures           int
	successes          int
	lastFailureTime    time.Time
	nextRetryTime      time.Time
	halfOpenRequests   int

	// Statistiche
	totalRequests      int64
	totalFailures      int64
	totalSuccesses     int64
	totalRejected      int64
}

// NewCircuitBreaker crea un nuovo circuit breaker per lo shard indicato.
// shard è puramente informativo (compare nei log e nelle GetStats); una
// stringa vuota è accettata per l'uso standalone, fuori da PerShardCircuitBreaker.
func NewCircuitBreaker(config CircuitBreakerConfig, shard string) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultCircuitBreakerConfig().SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultCircuitBreakerConfig().Timeout
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = DefaultCircuitBreakerConfig().HalfOpenMaxRequests
	}

	return &CircuitBreaker{
		config: config,
		shard:  shard,
		state:  StateClosed,
	}
}

// Execute esegue una funzione protetta dal circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	// Verifica se possiamo procedere
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	// Esegui la funzione
	err := fn()

	// Gestisci il risultato
	cb.afterRequest(err)

	return err
}

// beforeRequest verifica se la richiesta può procedere
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		// Le richieste passano normalmente
		return nil

	case StateOpen:
		// Verifica se è il momento di passare in half-open
		if time.Now().After(cb.nextRetryTime) {
			cb.setState(StateHalfOpen)
			cb.halfOpenRequests = 0
			return nil
		}

		// Rigetta la richiesta
		cb.totalRejected++
		return ErrCircuitOpen

	case StateHalfOpen:
		// Limita il numero di richieste in half-open
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxRequests {
			cb.totalRejected++
			return ErrTooManyRequests
		}

		cb.halfOpenRequests++
		return nil

	default:
		return nil
	}
}

// afterRequest gestisce il risultato della richiesta
func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

// onFailure gestisce un fallimento
func (cb *CircuitBreaker) onFailure() {
	cb.totalFailures++
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		// Se superiamo la soglia, apriamo il circuito
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
		}

	case StateHalfOpen:
		// In half-open, qualsiasi errore riapre il circuito
		cb.open()
	}
}

// onSuccess gestisce un successo
func (cb *CircuitBreaker) onSuccess() {
	cb.totalSuccesses++
	cb.successes++
	cb.failures = 0

	switch cb.state {
	case StateHalfOpen:
		// Se superiamo la soglia di successi, chiudiamo il circuito
		if cb.successes >= cb.config.SuccessThreshold {
			cb.close()
		}
	}
}

// open apre il circuito
func (cb *CircuitBreaker) open() {
	cb.setState(StateOpen)
	cb.nextRetryTime = time.Now().Add(cb.config.Timeout)
	cb.failures = 0
	cb.successes = 0

	log.Warn().
		Str("shard", cb.shard).
		Str("next_retry", cb.nextRetryTime.Format(time.RFC3339)).
		Msg("Circuit breaker opened")
}

// close chiude il circuito
func (cb *CircuitBreaker) close() {
	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0

	log.Info().Str("shard", cb.shard).Msg("Circuit breaker closed")
}

// setState cambia lo stato e notifica
func (cb *CircuitBreaker) setState(newState State) {
	oldState := cb.state
	cb.state = newState

	if cb.config.OnStateChange != nil && oldState != newState {
		// Esegui la callback fuori dal lock
		go cb.config.OnStateChange(oldState, newState)
	}
}

// GetState restituisce lo stato corrente
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// IsOpen verifica se il circuito è aperto
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.GetState() == StateOpen
}

// IsClosed verifica se il circuito è chiuso
func (cb *CircuitBreaker) IsClosed() bool {
	return cb.GetState() == StateClosed
}

// IsHalfOpen verifica se il circuito è half-open
func (cb *CircuitBreaker) IsHalfOpen() bool {
	return cb.GetState() == StateHalfOpen
}

// Reset resetta il circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
	cb.lastFailureTime = time.Time{}
	cb.nextRetryTime = time.Time{}

	log.Info().Str("shard", cb.shard).Msg("Circuit breaker reset")
}

// GetStats restituisce le statistiche del circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		Shard:             cb.shard,
		State:             cb.state.String(),
		TotalRequests:     cb.totalRequests,
		TotalFailures:     cb.totalFailures,
		TotalSuccesses:    cb.totalSuccesses,
		TotalRejected:     cb.totalRejected,
		ConsecutiveFailures: cb.failures,
		ConsecutiveSuccesses: cb.successes,
		LastFailureTime:   cb.lastFailureTime,
		NextRetryTime:     cb.nextRetryTime,
	}
}

// CircuitBreakerStats contiene le statistiche del circuit breaker
type CircuitBreakerStats struct {
	Shard                string
	State                string
	TotalRequests        int64
	TotalFailures        int64
	TotalSuccesses       int64
	TotalRejected        int64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
	NextRetryTime        time.Time
}

// PerShardCircuitBreaker gestisce circuit breaker per ogni shard Redis, isolando i guasti di uno shard dagli altri
type PerShardCircuitBreaker struct {
	config   CircuitBreakerConfig
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewPerShardCircuitBreaker crea un nuovo manager di circuit breaker per shard
func NewPerShardCircuitBreaker(config CircuitBreakerConfig) *PerShardCircuitBreaker {
	return &PerShardCircuitBreaker{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Execute esegue una funzione con circuit breaker per uno specifico shard
func (pscb *PerShardCircuitBreaker) Execute(ctx context.Context, shard string, fn func() error) error {
	breaker := pscb.getOrCreate(shard)
	return breaker.Execute(ctx, fn)
}

// getOrCreate ottiene o crea un circuit breaker per uno shard
func (pscb *PerShardCircuitBreaker) getOrCreate(shard string) *CircuitBreaker {
	pscb.mu.RLock()
	breaker, exists := pscb.breakers[shard]
	pscb.mu.RUnlock()

	if exists {
		return breaker
	}

	pscb.mu.Lock()
	defer pscb.mu.Unlock()

	// Double-check dopo aver acquisito il write lock
	if breaker, exists := pscb.breakers[shard]; exists {
		return breaker
	}

	breaker = NewCircuitBreaker(pscb.config, shard)
	pscb.breakers[shard] = breaker

	log.Debug().
		Str("shard", shard).
		Msg("Created circuit breaker for shard")

	return breaker
}

// GetBreaker restituisce il circuit breaker per uno shard
func (pscb *PerShardCircuitBreaker) GetBreaker(shard string) (*CircuitBreaker, bool) {
	pscb.mu.RLock()
	defer pscb.mu.RUnlock()

	breaker, exists := pscb.breakers[shard]
	return breaker, exists
}

// Reset resetta il circuit breaker per uno shard
func (pscb *PerShardCircuitBreaker) Reset(shard string) {
	if breaker, exists := pscb.GetBreaker(shard); exists {
		breaker.Reset()
	}
}

// ResetAll resetta tutti i circuit breaker
func (pscb *PerShardCircuitBreaker) ResetAll() {
	pscb.mu.RLock()
	defer pscb.mu.RUnlock()

	for _, breaker := range pscb.breakers {
		breaker.Reset()
	}

	log.Info().Msg("All circuit breakers reset")
}

// GetAllStats restituisce le statistiche di tutti i circuit breaker
func (pscb *PerShardCircuitBreaker) GetAllStats() map[string]CircuitBreakerStats {
	pscb.mu.RLock()
	defer pscb.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(pscb.breakers))
	for shard, breaker := range pscb.breakers {
		stats[shard] = breaker.GetStats()
	}

	return stats
}

// IsShardHealthy verifica se uno shard è disponibile (circuito non aperto)
func (pscb *PerShardCircuitBreaker) IsShardHealthy(shard string) bool {
	breaker, exists := pscb.GetBreaker(shard)
	if !exists {
		return true // Se non esiste ancora il breaker, consideriamo lo shard disponibile
	}

	return !breaker.IsOpen()
}
