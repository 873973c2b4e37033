package health

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is one checked dependency.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"`
	CheckResult
}

// HealthStatus represents the overall health of the service.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Version    string      `json:"version,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components,omitempty"`
}

// Config holds health checker configuration.
type Config struct {
	// Databases maps a component name (ledger_db, identity_db) to its handle.
	Databases map[string]*sql.DB
	Version   string

	DBTimeout          time.Duration
	MaxDatabaseLatency time.Duration
}

// Checker pings the ledger and identity databases.
type Checker struct {
	databases          map[string]*sql.DB
	version            string
	dbTimeout          time.Duration
	maxDatabaseLatency time.Duration
	now                func() time.Time

	mu   sync.RWMutex
	last HealthStatus
}

// New creates a health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	return &Checker{
		databases:          cfg.Databases,
		version:            cfg.Version,
		dbTimeout:          cfg.DBTimeout,
		maxDatabaseLatency: cfg.MaxDatabaseLatency,
		now:                time.Now,
	}
}

// Check pings every database concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.databases))
	for name, db := range c.databases {
		if db == nil {
			continue
		}
		wg.Add(1)
		go func(name string, db *sql.DB) {
			defer wg.Done()
			results <- c.checkDatabase(ctx, name, db)
		}(name, db)
	}
	wg.Wait()
	close(results)

	components := make([]Component, 0, len(c.databases))
	for comp := range results {
		components = append(components, comp)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	status := c.overall(components)
	c.mu.Lock()
	c.last = status
	c.mu.Unlock()
	return status
}

func (c *Checker) checkDatabase(ctx context.Context, name string, db *sql.DB) Component {
	comp := Component{Name: name, Type: "database", CheckResult: CheckResult{Timestamp: c.now()}}

	start := time.Now()
	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()
	err := db.PingContext(dbCtx)
	comp.Latency = time.Since(start)

	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
	case comp.Latency > c.maxDatabaseLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

// overall is unhealthy when any database is unreachable; balances cannot be
// served without both stores.
func (c *Checker) overall(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return HealthStatus{Status: status, Version: c.version, Timestamp: c.now(), Components: components}
}

// LastStatus returns the most recent Check result.
func (c *Checker) LastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last.Status == "" {
		return HealthStatus{Status: StatusHealthy, Version: c.version, Timestamp: c.now()}
	}
	return c.last
}
