package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Process-wide components every instance reports
const (
	ComponentRegistry = "registry"
	ComponentAPI      = "api"
)

const fleetPrefix = "fleet/"

// Report is the body of /health and /ready
type Report struct {
	Status     string            `json:"status"` // healthy, degraded, unhealthy; ready, not_ready
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type component struct {
	healthy bool
	// reconciled is set by the first successful pass of a fleet
	reconciled bool
	message    string
	updated    time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]*component
	started    time.Time
	version    string
}

var healthState = newHealthRegistry()

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{
		components: make(map[string]*component),
		started:    time.Now(),
	}
}

// SetVersion sets the version string reported by /health
func SetVersion(version string) {
	healthState.mu.Lock()
	defer healthState.mu.Unlock()
	healthState.version = version
}

// RegisterComponent records the state of a process-wide component
func RegisterComponent(name string, healthy bool, message string) {
	healthState.mu.Lock()
	defer healthState.mu.Unlock()
	healthState.components[name] = &component{
		healthy:    healthy,
		reconciled: true,
		message:    message,
		updated:    time.Now(),
	}
}

// UpdateComponent is RegisterComponent for components already known
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// RegisterFleet adds a fleet that has not reconciled yet. The process is not
// ready until every registered fleet has completed one successful pass.
func RegisterFleet(fleetID string) {
	healthState.mu.Lock()
	defer healthState.mu.Unlock()
	healthState.components[fleetPrefix+fleetID] = &component{
		message: "waiting for first reconcile",
		updated: time.Now(),
	}
}

// UpdateFleet records the outcome of a fleet's latest reconciliation
func UpdateFleet(fleetID string, err error) {
	healthState.mu.Lock()
	defer healthState.mu.Unlock()

	name := fleetPrefix + fleetID
	c, ok := healthState.components[name]
	if !ok {
		c = &component{}
		healthState.components[name] = c
	}
	c.updated = time.Now()
	if err != nil {
		c.healthy = false
		c.message = err.Error()
		return
	}
	c.healthy = true
	c.reconciled = true
	c.message = ""
}

// GetHealth reports every component. A failing fleet degrades the process;
// a failing process-wide component makes it unhealthy.
func GetHealth() Report {
	healthState.mu.RLock()
	defer healthState.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(healthState.components))
	for name, c := range healthState.components {
		switch {
		case c.healthy:
			components[name] = "healthy"
		case !c.reconciled:
			components[name] = "pending: " + c.message
			if status == "healthy" {
				status = "degraded"
			}
		default:
			components[name] = "unhealthy: " + c.message
			if !strings.HasPrefix(name, fleetPrefix) {
				status = "unhealthy"
			} else if status == "healthy" {
				status = "degraded"
			}
		}
	}

	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    healthState.version,
		Uptime:     time.Since(healthState.started).String(),
	}
}

// GetReadiness reports ready once the registry and API are healthy and every
// registered fleet has reconciled at least once
func GetReadiness() Report {
	healthState.mu.RLock()
	defer healthState.mu.RUnlock()

	status := "ready"
	var waiting []string
	components := make(map[string]string)

	for _, name := range []string{ComponentRegistry, ComponentAPI} {
		c, ok := healthState.components[name]
		switch {
		case !ok:
			components[name] = "not registered"
			waiting = append(waiting, name)
		case !c.healthy:
			components[name] = "not ready: " + c.message
			waiting = append(waiting, name)
		default:
			components[name] = "ready"
		}
	}

	fleets := 0
	for name, c := range healthState.components {
		if !strings.HasPrefix(name, fleetPrefix) {
			continue
		}
		fleets++
		if c.reconciled {
			components[name] = "ready"
			continue
		}
		components[name] = "not ready: " + c.message
		waiting = append(waiting, name)
	}
	if fleets == 0 {
		waiting = append(waiting, "fleets")
	}

	message := ""
	if len(waiting) > 0 {
		status = "not_ready"
		sort.Strings(waiting)
		message = "waiting for " + strings.Join(waiting, ", ")
	}

	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    healthState.version,
		Uptime:     time.Since(healthState.started).String(),
	}
}

// HealthHandler serves /health. Degraded is still 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealth()
		code := http.StatusOK
		if report.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReadiness()
		code := http.StatusOK
		if report.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// LivenessHandler serves /live, which answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, http.StatusOK, Report{
			Status:    "alive",
			Timestamp: time.Now(),
			Uptime:    time.Since(healthState.started).String(),
		})
	}
}

func writeReport(w http.ResponseWriter, code int, report Report) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
