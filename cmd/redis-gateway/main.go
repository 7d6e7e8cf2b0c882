// Command redis-gateway runs gateway shards and relays them over redis pub/sub.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediocregopher/radix/v3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/broker"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/gateway"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/rest"
	"github.com/luciancaetano/kephasgate/internal/session"
)

const shutdownTimeout = 30 * time.Second

var (
	cfgFile string
	verbose bool

	logger = logging.GetFixedPrefixLogger("main")
)

var rootCmd = &cobra.Command{
	Use:   "redis-gateway",
	Short: "Run gateway shards and relay them over redis",
	Long: `redis-gateway connects the configured shards and publishes every dispatch
to <prefix>:dispatch:<EVENT>. Payloads published to <prefix>:gateway_send are
sent on the matching shard.

Configuration is read from KEPHAS_ environment variables and an optional
config file.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogJSON); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := radix.NewPool(cfg.RedisNetwork, cfg.RedisAddr, 10)
	if err != nil {
		return errors.WithMessage(err, "connect redis")
	}
	defer pool.Close()

	subscriber, err := radix.PersistentPubSubWithOpts(cfg.RedisNetwork, cfg.RedisAddr)
	if err != nil {
		return errors.WithMessage(err, "connect redis pubsub")
	}
	defer subscriber.Close()

	opts, err := cfg.ManagerOptions()
	if err != nil {
		return err
	}
	store := session.NewRedisStore(pool, cfg.RedisPrefix)
	store.TTL = cfg.SessionTTL
	opts.SessionStore = store
	opts.REST = rest.NewClient(cfg.Token, cfg.APIBaseURL, cfg.Version)

	manager, err := gateway.New(opts)
	if err != nil {
		return err
	}

	manager.OnEvent(logEvent)
	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector(prometheus.DefaultRegisterer)
		manager.OnEvent(collector.Observe)
		go serveMetrics(cfg.MetricsAddr)
	}

	relay := broker.New(manager, pool, subscriber, cfg.RedisPrefix)
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(ctx) }()

	if err := manager.Connect(ctx); err != nil {
		logger.WithError(err).Error("some shards failed to connect")
	}

	select {
	case <-ctx.Done():
	case err := <-relayDone:
		logger.WithError(err).Error("relay stopped")
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return manager.Destroy(shutdownCtx, kephasgate.DestroyOptions{
		Reason:  kephasgate.ReasonShutdown,
		Recover: kephasgate.RecoveryResume,
	})
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Error("metrics server stopped")
	}
}

func logEvent(e kephasgate.Event) {
	l := logger.WithField("shard", e.ShardID)

	switch e.Type {
	case kephasgate.EventHello:
		l.Info("hello")
	case kephasgate.EventReady:
		l.Info("ready")
	case kephasgate.EventResumed:
		l.WithField("replayed", e.ReplayedEvents).Info("resumed")
	case kephasgate.EventClosed:
		l.WithFields(logrus.Fields{
			"code":    e.Code,
			"reason":  e.Reason,
			"recover": e.Recovery.String(),
		}).Warn("closed")
	case kephasgate.EventError:
		l.WithError(e.Err).Error("shard error")
	}
}
