package pool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"bifrost-hq/bifrost/pkg/config"
	"bifrost-hq/bifrost/pkg/routing"
	"bifrost-hq/bifrost/pkg/telemetry/logging"
	"bifrost-hq/bifrost/pkg/telemetry/metrics"
)

// Prober runs the background health checks for reverse proxy targets. Each
// registered target gets a cron job at its route's interval; targets in
// Unknown state can additionally be kicked for an immediate probe by the
// selector on first use.
type Prober struct {
	cron    *cron.Cron
	logger  *logging.Logger
	metrics *metrics.Collector

	kicks chan *probeJob
	jobs  map[*routing.Target]*probeJob
	done  chan struct{}
}

// probeJob binds a target to its route's health check settings.
type probeJob struct {
	routeID string
	target  *routing.Target
	cfg     *config.HealthCheckConfig
}

// NewProber creates a prober on its own cron scheduler.
func NewProber(logger *logging.Logger, collector *metrics.Collector) *Prober {
	return &Prober{
		cron:    cron.New(),
		logger:  logger,
		metrics: collector,
		kicks:   make(chan *probeJob, 64),
		jobs:    make(map[*routing.Target]*probeJob),
		done:    make(chan struct{}),
	}
}

// Register enrolls every enabled target of a route that has health checks
// configured. Must be called before Start.
func (p *Prober) Register(route *routing.Route) error {
	hc := route.HealthCheck
	if hc == nil {
		return nil
	}
	interval := hc.IntervalSecs
	if interval == 0 {
		interval = config.DefaultHealthIntervalSecs
	}
	spec := fmt.Sprintf("@every %ds", interval)

	for _, target := range route.Targets {
		if !target.Enabled {
			continue
		}
		job := &probeJob{routeID: route.ID, target: target, cfg: hc}
		p.jobs[target] = job
		if _, err := p.cron.AddFunc(spec, func() { p.probe(job) }); err != nil {
			return fmt.Errorf("failed to schedule probe for %s/%s: %w", route.ID, target.ID, err)
		}
	}
	return nil
}

// Kick requests an immediate probe, used when a target in Unknown state is
// selected for the first time. Non-blocking; a full queue drops the kick
// because the scheduled probe will cover it.
func (p *Prober) Kick(target *routing.Target) {
	job, ok := p.jobs[target]
	if !ok {
		return
	}
	select {
	case p.kicks <- job:
	default:
	}
}

// Start launches the scheduler and the kick worker.
func (p *Prober) Start() {
	p.cron.Start()
	go p.kickLoop()
}

// Stop halts scheduling and waits for running probes to finish.
func (p *Prober) Stop() {
	ctx := p.cron.Stop()
	close(p.done)
	<-ctx.Done()
}

func (p *Prober) kickLoop() {
	for {
		select {
		case job := <-p.kicks:
			// Only Unknown targets need the immediate probe.
			if job.target.Health() == routing.HealthUnknown {
				p.probe(job)
			}
		case <-p.done:
			return
		}
	}
}

// probe runs one check and flips the target's atomic health flag.
func (p *Prober) probe(job *probeJob) {
	timeout := time.Duration(job.cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = config.DefaultHealthTimeoutSecs * time.Second
	}

	var healthy bool
	if job.cfg.Endpoint != "" {
		healthy = probeHTTP(job.target, job.cfg.Endpoint, timeout)
	} else {
		healthy = probeTCP(job.target, timeout)
	}

	previous := job.target.Health()
	if healthy {
		job.target.SetHealth(routing.HealthHealthy)
	} else {
		job.target.SetHealth(routing.HealthUnhealthy)
	}
	if p.metrics != nil {
		p.metrics.SetTargetHealthy(job.routeID, job.target.ID, healthy)
	}

	current := job.target.Health()
	if previous != current && p.logger != nil {
		p.logger.Info("target health changed",
			"route", job.routeID,
			"target", job.target.ID,
			"from", previous.String(),
			"to", current.String(),
		)
	}
}

// probeTCP attempts a plain connection within the timeout.
func probeTCP(target *routing.Target, timeout time.Duration) bool {
	addr := dialAddr(target)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// probeHTTP issues GET <endpoint> on a fresh, non-pooled connection; any
// 2xx is healthy.
func probeHTTP(target *routing.Target, endpoint string, timeout time.Duration) bool {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
	defer client.CloseIdleConnections()

	url := strings.TrimSuffix(target.URL.String(), "/") + endpoint
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func dialAddr(target *routing.Target) string {
	host := target.URL.Host
	if target.URL.Port() == "" {
		if target.URL.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return host
}
