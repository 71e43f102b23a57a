// Package server wires the configuration snapshot, health map, router,
// active health checker, proxy listeners, metrics endpoint, and admin
// surface into one running process, and owns the graceful-shutdown
// sequence described in spec §5.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mir00r/lbcore/internal/admin"
	"github.com/mir00r/lbcore/internal/config"
	"github.com/mir00r/lbcore/internal/health"
	"github.com/mir00r/lbcore/internal/healthcheck"
	"github.com/mir00r/lbcore/internal/metrics"
	"github.com/mir00r/lbcore/internal/proxy"
	"github.com/mir00r/lbcore/internal/router"
	"github.com/mir00r/lbcore/pkg/logger"
)

// drainDeadline bounds how long in-flight connections get to finish
// naturally after shutdown is signaled, per spec §5.
const drainDeadline = 30 * time.Second

// AdminConfig configures the admin surface's own listener and rate limit.
type AdminConfig struct {
	ListenAddress  string
	RequestsPerSec float64
	BurstSize      int
}

// Runtime is the top-level object a CLI entry point constructs and runs.
// It implements admin.Reloader and admin.Shutdowner so the admin surface
// can trigger a reconfiguration or a shutdown without depending on the
// CLI's process-lifetime concerns directly.
type Runtime struct {
	logger *logger.Logger

	mu        sync.Mutex
	store     *config.Store
	healthMap *health.Map
	router    *router.Router
	checker   *healthcheck.Checker
	sink      *metrics.Sink

	frontends  map[string]*frontendRuntime
	admin      *admin.Server
	metricsSrv *http.Server

	shutdownOnce sync.Once
	stopped      chan struct{}
}

type frontendRuntime struct {
	name     string
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a Runtime from an already-validated initial snapshot.
func New(initial *config.Snapshot, adminCfg AdminConfig, log *logger.Logger) (*Runtime, error) {
	healthMap := health.NewMap(log)
	registerServers(healthMap, initial)

	r, err := router.New(initial, healthMap)
	if err != nil {
		return nil, fmt.Errorf("building router: %w", err)
	}

	rt := &Runtime{
		logger:    log.WithField("component", "runtime"),
		store:     config.NewStore(initial),
		healthMap: healthMap,
		router:    r,
		checker:   healthcheck.New(healthMap, log),
		sink:      metrics.New(),
		frontends: make(map[string]*frontendRuntime),
		stopped:   make(chan struct{}),
	}

	rt.admin = admin.New(admin.Config{
		ListenAddress:  adminCfg.ListenAddress,
		RequestsPerSec: adminCfg.RequestsPerSec,
		BurstSize:      adminCfg.BurstSize,
	}, rt.store, healthMap, rt, rt, log)

	return rt, nil
}

func registerServers(healthMap *health.Map, snap *config.Snapshot) {
	cfg := health.Config{
		UnhealthyThreshold: snap.HealthCheckDefaults.UnhealthyThreshold,
		HealthyThreshold:   snap.HealthCheckDefaults.HealthyThreshold,
		Cooldown:           snap.HealthCheckDefaults.Cooldown,
	}
	for name, backend := range snap.Backends {
		for _, srv := range backend.Servers {
			if !healthMap.Contains(name, srv.Addr) {
				healthMap.Register(name, srv.Addr, cfg)
			}
		}
	}
}

// Run starts every component and blocks until ctx is cancelled, then
// drives the shutdown sequence.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.checker.Start(ctx, rt.store.Load())

	rt.startMetricsEndpoint()

	go func() {
		if err := rt.admin.ListenAndServe(); err != nil {
			rt.logger.WithError(err).Error("admin surface stopped")
		}
	}()

	if err := rt.bindFrontends(rt.store.Load()); err != nil {
		return err
	}

	<-ctx.Done()
	return rt.Shutdown(context.Background())
}

func (rt *Runtime) startMetricsEndpoint() {
	global := rt.store.Load().Global
	if !global.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(global.Metrics.Path, rt.sink.Handler())
	rt.metricsSrv = &http.Server{Addr: global.Metrics.Address, Handler: mux}
	go func() {
		if err := rt.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.logger.WithError(err).Error("metrics endpoint stopped")
		}
	}()
}

// bindFrontends binds a listener and starts the matching proxy engine
// for every frontend in snap that is not already running.
func (rt *Runtime) bindFrontends(snap *config.Snapshot) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, fe := range snap.Frontends {
		if _, ok := rt.frontends[fe.Name]; ok {
			continue
		}

		ln, err := net.Listen("tcp", fe.Listen)
		if err != nil {
			rt.logger.WithError(err).WithField("frontend", fe.Name).Error("failed to bind frontend, leaving previous listener (if any) in place")
			continue
		}

		connCtx, cancel := context.WithCancel(context.Background())
		fr := &frontendRuntime{name: fe.Name, listener: ln, cancel: cancel, done: make(chan struct{})}
		rt.frontends[fe.Name] = fr

		go rt.serveFrontend(connCtx, fr, fe)
	}
	return nil
}

func (rt *Runtime) serveFrontend(ctx context.Context, fr *frontendRuntime, fe config.Frontend) {
	defer close(fr.done)

	go func() {
		<-ctx.Done()
		fr.listener.Close()
	}()

	connectTimeout := 10 * time.Second
	readTimeout := 30 * time.Second
	var httpOpts *config.HTTPOptions

	if fe.TCP != nil && fe.TCP.ConnectTimeout > 0 {
		connectTimeout = fe.TCP.ConnectTimeout
	}
	if fe.HTTP != nil {
		httpOpts = fe.HTTP
	}

	var err error
	switch fe.Protocol {
	case config.ProtocolHTTP:
		p := proxy.NewL7Proxy(fe.Name, fe.Backend, rt.router, rt.sink, rt.logger, httpOpts)
		err = p.Serve(fr.listener, connectTimeout, readTimeout)
		p.Drain(drainDeadline)
	default:
		p := proxy.NewL4Proxy(fe.Name, fe.Backend, rt.router, rt.sink, rt.logger)
		err = p.Serve(fr.listener, connectTimeout)
		p.Drain(drainDeadline)
	}

	if err != nil {
		rt.logger.WithError(err).WithField("frontend", fe.Name).Debug("frontend listener stopped")
	}
}

// Reload implements admin.Reloader: parse, validate, and atomically
// publish a new snapshot, then reconcile the health checker and
// frontend listener set against it.
func (rt *Runtime) Reload(data []byte) (*config.Snapshot, error) {
	next, err := config.LoadFromBytes(data)
	if err != nil {
		return nil, err
	}

	rt.store.Swap(next)
	registerServers(rt.healthMap, next)
	rt.checker.Reconcile(context.Background(), next)

	if err := rt.bindFrontends(next); err != nil {
		return nil, err
	}
	rt.stopRemovedFrontends(next)

	return next, nil
}

func (rt *Runtime) stopRemovedFrontends(next *config.Snapshot) {
	wanted := make(map[string]bool, len(next.Frontends))
	for _, fe := range next.Frontends {
		wanted[fe.Name] = true
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	for name, fr := range rt.frontends {
		if wanted[name] {
			continue
		}
		fr.cancel()
		delete(rt.frontends, name)
	}
}

// Shutdown implements admin.Shutdowner: stops accepting new connections
// and new probes, gives in-flight connections up to drainDeadline to
// finish, then forces closure.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownOnce.Do(func() {
		rt.logger.Info("shutdown initiated")
		rt.checker.Stop()

		rt.mu.Lock()
		frontends := make([]*frontendRuntime, 0, len(rt.frontends))
		for _, fr := range rt.frontends {
			fr.cancel()
			frontends = append(frontends, fr)
		}
		rt.mu.Unlock()

		// Each frontend's own Drain call already bounds how long it waits
		// for in-flight connections before force-closing them, so this
		// just waits for that per-frontend deadline to be enforced.
		for _, fr := range frontends {
			<-fr.done
		}

		adminCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.admin.Close(adminCtx)

		if rt.metricsSrv != nil {
			rt.metricsSrv.Close()
		}

		close(rt.stopped)
		rt.logger.Info("shutdown complete")
	})
	return nil
}

// Stopped returns a channel closed once shutdown has completed.
func (rt *Runtime) Stopped() <-chan struct{} {
	return rt.stopped
}
