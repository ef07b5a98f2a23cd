package server

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/config"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/keys"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/scan"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/services/changesrv"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/services/metrics"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream/alchemy"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream/blockbook"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream/evmrpc"
)

// NewCommands returns the server commands.
func NewCommands() []cli.Command {
	return []cli.Command{
		{
			Name:   "serve",
			Usage:  "start the change server",
			Action: startServer,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "path to the configuration file",
					Value: "./config/changeserver.json",
				},
				cli.BoolFlag{
					Name:  "debug, d",
					Usage: "enable debug logging (overrides the configured level)",
				},
			},
		},
		{
			Name:   "check-config",
			Usage:  "validate the configuration file and exit",
			Action: checkConfig,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "path to the configuration file",
					Value: "./config/changeserver.json",
				},
			},
		},
	}
}

func startServer(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, err := initLogger(cliCtx.Bool("debug"), cfg)
	if err != nil {
		return cli.NewExitError(fmt.Errorf("logging setup: %w", err), 1)
	}
	defer func() { _ = log.Sync() }()

	plugins, adapters, err := buildPlugins(cfg, log)
	if err != nil {
		for _, a := range adapters {
			a.Destroy()
		}
		return cli.NewExitError(err, 1)
	}

	errChan := make(chan error)
	serv := changesrv.New(cfg.ListenAddress(), plugins, log, errChan)
	prometheus := metrics.NewPrometheusService(cfg.MetricsAddress(), true, log)
	pprof := metrics.NewPprofService(cfg.Pprof.Address(), cfg.Pprof.Enabled, log)

	go serv.Start()
	go prometheus.Start()
	go pprof.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	var shutdownErr error
	select {
	case err := <-errChan:
		shutdownErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Info("signal received, shutting down", zap.Stringer("signal", sig))
	}
	signal.Stop(sigCh)

	// Stop the upstream side first so no new events race the session
	// teardown, then close the client listener and the operational
	// endpoints.
	for _, a := range adapters {
		a.Destroy()
	}
	serv.Shutdown()
	prometheus.ShutDown()
	pprof.ShutDown()

	if shutdownErr != nil {
		return cli.NewExitError(shutdownErr, 1)
	}
	return nil
}

func checkConfig(cliCtx *cli.Context) error {
	path := cliCtx.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Fprintf(cliCtx.App.Writer, "%s is valid, %d plugin(s) configured\n", path, len(cfg.Plugins))
	return nil
}

// buildPlugins turns the plugin configurations into running upstream
// adapters. On error the already built adapters are returned so the caller
// can destroy them.
func buildPlugins(cfg config.Config, log *zap.Logger) ([]changesrv.Plugin, []upstream.Adapter, error) {
	// The dedicated NowNodes token doubles as the {{nowNodesApiKey}} URL
	// parameter; an explicit serviceKeyUrlParams entry wins.
	urlParams := cfg.ServiceKeyURLParams
	if cfg.NowNodesAPIKey != "" {
		merged := map[string]string{"nowNodesApiKey": cfg.NowNodesAPIKey}
		for k, v := range urlParams {
			merged[k] = v
		}
		urlParams = merged
	}
	ks := keys.NewStore(cfg.ServiceKeys, urlParams)
	throttle := scan.NewThrottle()

	// All webhook plugins of one process share the dashboard client, the
	// memoized webhook list and the signing-key store.
	var globals *alchemy.Globals
	for _, pc := range cfg.Plugins {
		if pc.Variant == config.VariantWebhook {
			client := alchemy.NewClient("", cfg.AlchemyAuthToken, log)
			globals = alchemy.NewGlobals(client, cfg.PublicURI, nil, log)
			break
		}
	}

	plugins := make([]changesrv.Plugin, 0, len(cfg.Plugins))
	adapters := make([]upstream.Adapter, 0, len(cfg.Plugins))
	for _, pc := range cfg.Plugins {
		backends := make([]scan.Backend, 0, len(pc.Scan))
		for _, sc := range pc.Scan {
			switch sc.Version {
			case 1:
				backends = append(backends, scan.NewEtherscanV1(ks.ExpandURL(sc.URL), ks, throttle, log))
			case 2:
				backends = append(backends, scan.NewEtherscanV2(ks.ExpandURL(sc.URL), sc.ChainID, ks, throttle, log))
			}
		}
		urls := make([]string, len(pc.URLs))
		for i, u := range pc.URLs {
			urls[i] = ks.ExpandURL(u)
		}

		var adapter upstream.Adapter
		switch pc.Variant {
		case config.VariantDirectWS:
			adapter = blockbook.New(blockbook.Options{
				PluginID: pc.PluginID,
				URL:      urls[0],
				Log:      log,
			})
		case config.VariantBlockPoller:
			adapter = evmrpc.New(evmrpc.Options{
				PluginID:          pc.PluginID,
				URLs:              urls,
				ScanBackends:      backends,
				InternalTransfers: pc.InternalTransfersEnabled(),
				PollInterval:      pc.PollInterval(),
				Log:               log,
			})
		case config.VariantWebhook:
			adapter = alchemy.New(alchemy.Options{
				PluginID:     pc.PluginID,
				Network:      pc.Network,
				Globals:      globals,
				ScanBackends: backends,
				Log:          log,
			})
		default:
			return nil, adapters, fmt.Errorf("plugin %s: unknown variant %q", pc.PluginID, pc.Variant)
		}
		adapters = append(adapters, adapter)

		p := changesrv.Plugin{Adapter: adapter}
		if pc.EVMLike {
			p.Normalize = strings.ToLower
		}
		plugins = append(plugins, p)
		log.Info("plugin configured",
			zap.String("plugin", pc.PluginID),
			zap.String("variant", string(pc.Variant)),
			zap.Int("scanBackends", len(backends)))
	}
	return plugins, adapters, nil
}

// initLogger builds the process logger from the configuration. The level
// comes from logLevel (debug forces the debug level), output goes to stderr
// unless logPath names a file.
func initLogger(debug bool, cfg config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		var err error
		level, err = zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log setting: %w", err)
		}
	}
	if debug {
		level = zapcore.DebugLevel
	}

	cc := zap.NewProductionConfig()
	cc.DisableCaller = true
	cc.DisableStacktrace = true
	cc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cc.Encoding = "console"
	cc.Level = zap.NewAtomicLevelAt(level)
	cc.Sampling = nil

	if logPath := cfg.LogPath; logPath != "" {
		if dir := filepath.Dir(logPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("log path: %w", err)
			}
		}
		cc.OutputPaths = []string{logPath}
	}

	return cc.Build()
}
