package metrics

import (
	"time"
)

// FleetSample is a point-in-time view of one fleet engine
type FleetSample struct {
	FleetID string
	Desired int
	Members int
	Seen    int
	Dying   int
	Pending int
	Paused  bool
}

// Source provides fleet samples to the collector
type Source interface {
	FleetSamples() []FleetSample
}

// Collector periodically copies fleet samples into the gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect updates the fleet gauges once
func (c *Collector) Collect() {
	for _, s := range c.source.FleetSamples() {
		FleetDesiredCapacity.WithLabelValues(s.FleetID).Set(float64(s.Desired))
		FleetMembers.WithLabelValues(s.FleetID).Set(float64(s.Members))
		FleetSeen.WithLabelValues(s.FleetID).Set(float64(s.Seen))
		FleetDying.WithLabelValues(s.FleetID).Set(float64(s.Dying))
		FleetPending.WithLabelValues(s.FleetID).Set(float64(s.Pending))
		paused := 0.0
		if s.Paused {
			paused = 1
		}
		FleetPaused.WithLabelValues(s.FleetID).Set(paused)
	}
}
