// Command rangeproxyd runs the MITM range-download-accelerating proxy: an
// HTTP(S) CONNECT listener, an optional SOCKS5 listener, and the CRL
// server, all sharing one tunnel engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"rangeproxy/internal/ca"
	"rangeproxy/internal/cache"
	"rangeproxy/internal/config"
	"rangeproxy/internal/crlserver"
	"rangeproxy/internal/dispatcher"
	"rangeproxy/internal/gradleprops"
	"rangeproxy/internal/logging"
	"rangeproxy/internal/metrics"
	"rangeproxy/internal/mfc"
	"rangeproxy/internal/requestlog"
	"rangeproxy/internal/socks5"
	"rangeproxy/internal/state"
	"rangeproxy/internal/tunnel"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rangeproxyd", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to rangeproxy.yaml (or RANGEPROXY_CONFIG env var)")
	withSocks5 := fs.Bool("socks5", false, "also listen for SOCKS5 CONNECT clients")
	withGradle := fs.Bool("gradle", false, "write gradle.properties proxy settings on startup and clear them on shutdown")
	withHistory := fs.Bool("with-history", false, "record and periodically dump per-connection conversation history")
	withCache := fs.Bool("with-cache", false, "admit downloaded files to the on-disk cache")
	printVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *printVersion {
		fmt.Println(version)
		return nil
	}

	if *cfgPath == "" {
		*cfgPath = os.Getenv("RANGEPROXY_CONFIG")
	}
	var cfg *config.Config
	var err error
	if *cfgPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Format == "json")

	store, err := cache.Open(cfg.General.CacheRoot, log, cache.Options{Enabled: *withCache})
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	store.RunGC(0)
	defer store.Stop()

	authority, err := loadOrGenerateCA(cfg, store)
	if err != nil {
		return err
	}

	mfcCfg, err := mfc.Load(cfg.MFC.Path)
	if err != nil {
		return fmt.Errorf("loading mfc config: %w", err)
	}

	stateDB, err := state.Open(cfg)
	if err != nil {
		log.Warnf("state database unavailable, introspection disabled: %v", err)
		stateDB = nil
	} else {
		defer stateDB.Close()
	}

	mtr := metrics.New(cfg)

	var tracker *requestlog.Tracker
	if *withHistory {
		tracker = requestlog.New(cfg.History.Dir)
	}

	engine := &tunnel.Engine{
		Config:  cfg,
		CA:      authority,
		Cache:   store,
		MFC:     mfcCfg,
		Log:     log,
		Metrics: mtr,
		State:   stateDB,
	}
	if tracker != nil {
		engine.Observer = tracker
	}

	if *withGradle {
		if err := gradleprops.Apply(cfg.Gradle.PropertiesPath, cfg.Proxy.BindHost, cfg.Proxy.HTTPPort, authority.RootCertDER()); err != nil {
			log.Warnf("applying gradle proxy settings: %v", err)
		} else {
			defer func() {
				if err := gradleprops.Remove(cfg.Gradle.PropertiesPath); err != nil {
					log.Warnf("clearing gradle proxy settings: %v", err)
				}
			}()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	httpLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Proxy.BindHost, fmt.Sprintf("%d", cfg.Proxy.HTTPPort)))
	if err != nil {
		return fmt.Errorf("listening on http port: %w", err)
	}
	g.Go(func() error {
		d := &dispatcher.Dispatcher{Listener: httpLn, Handler: engine.HandleConnection, Log: log}
		return d.Serve(gctx)
	})

	crl := crlserver.New(net.JoinHostPort(cfg.Proxy.BindHost, fmt.Sprintf("%d", cfg.Proxy.CRLPort)), authority.CRLPath(), log)
	g.Go(func() error { return crl.Serve(gctx) })

	if *withSocks5 {
		socksLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Proxy.BindHost, fmt.Sprintf("%d", cfg.Proxy.SOCKS5Port)))
		if err != nil {
			return fmt.Errorf("listening on socks5 port: %w", err)
		}
		handler := &socks5.Handler{Engine: engine, Log: log}
		g.Go(func() error {
			d := &dispatcher.Dispatcher{Listener: socksLn, Handler: handler.Serve, Log: log}
			return d.Serve(gctx)
		})
	}

	if tracker != nil {
		g.Go(func() error { return tracker.Run(gctx, time.Duration(cfg.History.DumpIntervalSecs)*time.Second) })
	}

	if mtr != nil {
		g.Go(func() error { return runMetricsWriter(gctx, mtr) })
	}

	log.Infof("rangeproxyd listening on %s:%d (socks5=%v, gradle=%v, history=%v)",
		cfg.Proxy.BindHost, cfg.Proxy.HTTPPort, *withSocks5, *withGradle, *withHistory)

	return g.Wait()
}

func loadOrGenerateCA(cfg *config.Config, store *cache.Store) (*ca.Authority, error) {
	opts := ca.Options{
		CertPath:     cfg.CA.CertFile,
		KeyPath:      cfg.CA.KeyFile,
		CRLPath:      cfg.CA.CRLFile,
		CRLHost:      cfg.Proxy.BindHost,
		CRLPort:      cfg.Proxy.CRLPort,
		AlwaysAppend: cfg.CA.AlwaysAppendDomains,
		LeafKeyMode:  ca.ParseLeafKeyMode(cfg.CA.LeafKeyMode),
		Store:        store,
	}
	if ca.Exists(opts) {
		return ca.Load(opts)
	}
	return ca.Generate(opts)
}

func runMetricsWriter(ctx context.Context, mtr *metrics.Manager) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := mtr.Write(); err != nil {
				return err
			}
		case <-ctx.Done():
			return mtr.Write()
		}
	}
}
