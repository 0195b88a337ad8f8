// Package health provides health check functionality for the custody service.
//
// The health check system supports multiple endpoints:
// - /health - Basic liveness check
// - /health/ready - Readiness check for load balancers
// - /health/detailed - Status of every component with store statistics
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/mux"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/types"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// ComponentHealth represents the health status of a single component
type ComponentHealth struct {
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// HealthCheck represents the overall health check response
type HealthCheck struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	NodeID     string                     `json:"node_id,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Ledger is the part of the chain ledger health looks at
type Ledger interface {
	Tip() types.Tip
	Halted() error
}

// Sites reports replica site states
type Sites interface {
	Sites() []types.ReplicaSite
}

// Verifications reports the outcome of the last verifier pass
type Verifications interface {
	Last() (types.VerificationReport, bool)
}

// Checker performs health checks on the custody components
type Checker struct {
	logger        log.Logger
	ledger        Ledger
	store         evidence.Store
	sites         Sites
	verifications Verifications

	version         string
	nodeID          string
	maxResponseTime time.Duration

	mu            sync.RWMutex
	lastCheck     time.Time
	cachedHealth  *HealthCheck
	cacheDuration time.Duration
}

// Config holds configuration for the health checker
type Config struct {
	Version string
	NodeID  string

	// MaxResponseTime bounds a single component check
	MaxResponseTime time.Duration

	// CacheDuration is how long to cache health check results
	CacheDuration time.Duration
}

// DefaultConfig returns the default health check configuration
func DefaultConfig() Config {
	return Config{
		MaxResponseTime: 5 * time.Second,
		CacheDuration:   5 * time.Second,
	}
}

// NewChecker creates a new health checker. sites and verifications may be nil.
func NewChecker(logger log.Logger, cfg Config, l Ledger, store evidence.Store, sites Sites, verifications Verifications) (*Checker, error) {
	if l == nil || store == nil {
		return nil, fmt.Errorf("ledger and evidence store are required")
	}
	if cfg.MaxResponseTime <= 0 {
		cfg.MaxResponseTime = DefaultConfig().MaxResponseTime
	}

	return &Checker{
		logger:          logger.With("module", "health"),
		ledger:          l,
		store:           store,
		sites:           sites,
		verifications:   verifications,
		version:         cfg.Version,
		nodeID:          cfg.NodeID,
		maxResponseTime: cfg.MaxResponseTime,
		cacheDuration:   cfg.CacheDuration,
	}, nil
}

// Check performs a health check of every component
func (c *Checker) Check(ctx context.Context, detailed bool) (*HealthCheck, error) {
	// Return cached result if still valid
	if !detailed && c.shouldUseCached() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.cachedHealth, nil
	}

	health := &HealthCheck{
		Timestamp:  time.Now(),
		Version:    c.version,
		NodeID:     c.nodeID,
		Components: make(map[string]ComponentHealth),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	checks := []struct {
		name string
		fn   func(context.Context) ComponentHealth
	}{
		{"ledger", c.checkLedger},
		{"evidence_store", c.checkStore},
		{"replication", c.checkReplication},
		{"verification", c.checkVerification},
	}

	for _, check := range checks {
		wg.Add(1)
		go func(name string, fn func(context.Context) ComponentHealth) {
			defer wg.Done()
			result := fn(ctx)
			mu.Lock()
			health.Components[name] = result
			mu.Unlock()
		}(check.name, check.fn)
	}

	wg.Wait()

	health.Status = c.calculateOverallStatus(health.Components)

	c.mu.Lock()
	c.lastCheck = time.Now()
	c.cachedHealth = health
	c.mu.Unlock()

	return health, nil
}

// checkLedger reports the chain tip and whether the writer is halted
func (c *Checker) checkLedger(ctx context.Context) ComponentHealth {
	tip := c.ledger.Tip()
	metrics := map[string]interface{}{
		"chain_length": tip.Length,
		"last_index":   tip.Height(),
		"last_hash":    tip.LastHash,
	}
	if err := c.ledger.Halted(); err != nil {
		return ComponentHealth{
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("Ledger writer halted: %v", err),
			Timestamp: time.Now(),
			Metrics:   metrics,
		}
	}
	return ComponentHealth{
		Status:    StatusHealthy,
		Message:   "Ledger is accepting appends",
		Timestamp: time.Now(),
		Metrics:   metrics,
	}
}

// checkStore reports evidence store statistics and responsiveness
func (c *Checker) checkStore(ctx context.Context) ComponentHealth {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.maxResponseTime)
	defer cancel()

	start := time.Now()
	stats, err := c.store.Stats(timeoutCtx)
	duration := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("Evidence store unavailable: %v", err),
			Timestamp: time.Now(),
		}
	}

	metrics := map[string]interface{}{
		"blobs":         stats.Blobs,
		"bytes":         stats.Bytes,
		"pruned":        stats.Pruned,
		"staged":        stats.Staged,
		"query_time_ms": duration.Milliseconds(),
	}

	componentStatus := StatusHealthy
	message := "Evidence store is responsive"
	if duration > c.maxResponseTime/2 {
		componentStatus = StatusDegraded
		message = "Evidence store response time is degraded"
	}

	return ComponentHealth{
		Status:    componentStatus,
		Message:   message,
		Timestamp: time.Now(),
		Metrics:   metrics,
	}
}

// checkReplication degrades on unreachable sites; a diverged site is unhealthy
func (c *Checker) checkReplication(ctx context.Context) ComponentHealth {
	if c.sites == nil {
		return ComponentHealth{Status: StatusHealthy, Message: "Replication disabled", Timestamp: time.Now()}
	}

	tip := c.ledger.Tip()
	sites := c.sites.Sites()
	lag := make(map[string]uint64, len(sites))
	var unreachable, diverged []string
	for _, s := range sites {
		lag[s.SiteID] = s.Lag(tip)
		switch s.Status {
		case types.SiteUnreachable:
			unreachable = append(unreachable, s.SiteID)
		case types.SiteDiverged:
			diverged = append(diverged, s.SiteID)
		}
	}

	metrics := map[string]interface{}{
		"sites": len(sites),
		"lag":   lag,
	}

	componentStatus := StatusHealthy
	message := fmt.Sprintf("Replicating to %d sites", len(sites))
	if len(unreachable) > 0 {
		componentStatus = StatusDegraded
		message = fmt.Sprintf("Unreachable sites: %v", unreachable)
	}
	if len(diverged) > 0 {
		componentStatus = StatusUnhealthy
		message = fmt.Sprintf("Diverged sites: %v", diverged)
	}

	return ComponentHealth{
		Status:    componentStatus,
		Message:   message,
		Timestamp: time.Now(),
		Metrics:   metrics,
	}
}

// checkVerification reports the last verifier pass; findings are unhealthy
func (c *Checker) checkVerification(ctx context.Context) ComponentHealth {
	if c.verifications == nil {
		return ComponentHealth{Status: StatusUnknown, Message: "Verification not scheduled", Timestamp: time.Now()}
	}
	report, ok := c.verifications.Last()
	if !ok {
		return ComponentHealth{Status: StatusUnknown, Message: "No verification run yet", Timestamp: time.Now()}
	}

	metrics := map[string]interface{}{
		"verified":       report.Verified,
		"blocks_checked": report.BlocksChecked,
		"findings":       len(report.Findings),
		"finished_at":    report.FinishedAt.Format(time.RFC3339),
	}
	if !report.Verified {
		return ComponentHealth{
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("Tampering detected in blocks %v", report.AffectedBlocks()),
			Timestamp: time.Now(),
			Metrics:   metrics,
		}
	}
	return ComponentHealth{
		Status:    StatusHealthy,
		Message:   "Chain verified",
		Timestamp: time.Now(),
		Metrics:   metrics,
	}
}

// calculateOverallStatus determines the overall health status based on component statuses
func (c *Checker) calculateOverallStatus(components map[string]ComponentHealth) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, component := range components {
		switch component.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// shouldUseCached determines if cached health check results should be used
func (c *Checker) shouldUseCached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cachedHealth == nil {
		return false
	}

	return time.Since(c.lastCheck) < c.cacheDuration
}

// RegisterRoutes registers health check endpoints
func (c *Checker) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", c.handleHealth).Methods("GET")
	router.HandleFunc("/health/ready", c.handleHealthReady).Methods("GET")
	router.HandleFunc("/health/detailed", c.handleHealthDetailed).Methods("GET")
}

// handleHealth handles the basic liveness check endpoint
func (c *Checker) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// handleHealthReady handles the readiness check endpoint
func (c *Checker) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	health, err := c.Check(r.Context(), false)
	if err != nil {
		c.logger.Error("health check failed", "error", err)
		writeUnavailable(w, err)
		return
	}

	// a degraded node is still ready
	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// handleHealthDetailed handles the detailed health check endpoint
func (c *Checker) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	health, err := c.Check(r.Context(), true)
	if err != nil {
		c.logger.Error("detailed health check failed", "error", err)
		writeUnavailable(w, err)
		return
	}

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

func writeUnavailable(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "error",
		"message": err.Error(),
	})
}
