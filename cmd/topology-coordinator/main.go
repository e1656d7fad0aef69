// Command topology-coordinator runs the reconciliation loop: it watches a
// consensus store for MySQL node records, probes each node's health and
// replication state, elects a replacement master on failure, and
// reprograms ProxySQL's routing tables to match.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LumeWeb/topology-coordinator/internal/config"
	"github.com/LumeWeb/topology-coordinator/internal/logging"
	"github.com/LumeWeb/topology-coordinator/internal/probe"
	"github.com/LumeWeb/topology-coordinator/internal/proxyadmin"
	"github.com/LumeWeb/topology-coordinator/internal/reconciler"
	"github.com/LumeWeb/topology-coordinator/internal/statusapi"
	"github.com/LumeWeb/topology-coordinator/internal/store"
	"github.com/LumeWeb/topology-coordinator/internal/topology"
)

func main() {
	log := logging.New("main")

	cfg, err := config.Load()
	if err != nil {
		log.Printf(logging.LvlErr, "startup configuration invalid: %v", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.Debug)

	etcd, err := store.Dial(cfg.EtcdEndpoints, cfg.EtcdUser, cfg.EtcdPass, 5*time.Second)
	if err != nil {
		log.Printf(logging.LvlErr, "dial store failed: %v", err)
		os.Exit(1)
	}
	defer etcd.Close()

	admin := proxyadmin.NewProxySQLAdmin(cfg.ProxyAdminUser, cfg.ProxyAdminPass, cfg.ProxyAdminAddr,
		cfg.ProxyMonitorUser, cfg.ProxyMonitorPass)

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = retryInitialize(initCtx, admin, log)
	initCancel()
	if err != nil {
		log.Printf(logging.LvlErr, "proxy unreachable after initial retries: %v", err)
		os.Exit(1)
	}

	repo := topology.NewRepository(etcd)
	prober := probe.NewMySQLProber(probe.Credential{Username: cfg.ReplUsername, Password: cfg.ReplPassword}, cfg.ProbeTimeout)

	rec := reconciler.New(repo, prober, admin, reconciler.Config{
		CheckInterval:        cfg.CheckInterval,
		PromotionGracePeriod: cfg.PromotionGracePeriod,
		MaxAge:               cfg.MaxAge,
		ProbeTimeout:         cfg.ProbeTimeout,
		WriterHostgroup:      cfg.WriterHostgroup,
		ReaderHostgroup:      cfg.ReaderHostgroup,
		MaxConcurrentProbes:  cfg.MaxConcurrentProbes,
		DryRun:               cfg.DryRun,
	})

	ctx, cancel := context.WithCancel(context.Background())

	api := statusapi.New(rec)
	go func() {
		if err := api.ListenAndServe(cfg.HTTPListenAddr); err != nil {
			log.Printf(logging.LvlWarn, "status api stopped: %v", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec.Run(ctx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf(logging.LvlInfo, "shutdown signal received, draining in-flight tick")
	cancel()
	<-done
	os.Exit(0)
}

// retryInitialize gives the proxy a short retry budget at startup — it may
// not be ready the instant this process starts in a freshly-provisioned
// environment.
func retryInitialize(ctx context.Context, admin proxyadmin.Admin, log *logging.Logger) error {
	backoff := time.Second
	var lastErr error
	for {
		if err := admin.Initialize(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			log.Printf(logging.LvlWarn, "proxy initialize failed, retrying: %v", err)
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}
