package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-redsync/redsync/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	httpfrontend "github.com/chihaya/ratiotracker/frontend/http"
	"github.com/chihaya/ratiotracker/middleware"
	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/pkg/metrics"
	"github.com/chihaya/ratiotracker/pkg/stop"
	"github.com/chihaya/ratiotracker/queue"
	redisqueue "github.com/chihaya/ratiotracker/queue/redis"
	"github.com/chihaya/ratiotracker/storage"
	"github.com/chihaya/ratiotracker/swarm"
)

const reaperLockName = "ratiotracker:reaper"

// Run represents the state of a running instance of the tracker.
type Run struct {
	configFilePath string
	store          storage.Store
	queue          queue.Queue

	// Stopped in order: serving components first, then the queue, then
	// the store they all depend on.
	serving *stop.Group
}

// NewRun runs an instance of the tracker.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{configFilePath: configFilePath}
	return r, r.Start()
}

// loadConfig parses and validates the configuration file.
func loadConfig(path string) (Config, error) {
	configFile, err := ParseConfigFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config")
	}
	return configFile.RatioTracker.Validate(), nil
}

// openBackends creates the store and the queue described by cfg. Queued
// recomputations run against the returned store.
func openBackends(cfg Config) (storage.Store, queue.Queue, error) {
	log.Info("starting storage", log.Fields{"name": cfg.Storage.Name})
	s, err := storage.NewStore(cfg.Storage.Name, cfg.Storage.Config)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create storage")
	}

	d := queue.NewDispatcher()
	swarm.NewRecomputer(s, cfg.PeerLifetime).Register(d)

	log.Info("starting queue", log.Fields{"name": cfg.Queue.Name})
	q, err := queue.New(cfg.Queue.Name, cfg.Queue.Config, d)
	if err != nil {
		<-s.Stop()
		return nil, nil, errors.Wrap(err, "failed to create queue")
	}

	return s, q, nil
}

// reaperLock returns the distributed sweep lock when it is enabled and the
// queue can provide one.
func reaperLock(cfg Config, q queue.Queue) swarm.Locker {
	if !cfg.Reaper.Lock {
		return nil
	}

	rq, ok := q.(*redisqueue.Queue)
	if !ok {
		log.Warn("reaper lock requires the redis queue, sweeping unlocked", log.Fields{"queue": cfg.Queue.Name})
		return nil
	}

	return rq.NewMutex(reaperLockName, redsync.WithTries(1), redsync.WithExpiry(cfg.Reaper.Interval))
}

// Start begins an instance of the tracker.
func (r *Run) Start() error {
	cfg, err := loadConfig(r.configFilePath)
	if err != nil {
		return err
	}
	log.Info("loaded config", cfg)

	r.store, r.queue, err = openBackends(cfg)
	if err != nil {
		return err
	}
	r.serving = stop.NewGroup()

	log.Info("starting metrics server", log.Fields{"addr": cfg.MetricsAddr})
	r.serving.Add(metrics.NewServer(cfg.MetricsAddr))

	reaper := swarm.NewReaper(cfg.Reaper, r.store, r.queue, reaperLock(cfg, r.queue))
	log.Info("starting reaper", reaper)
	reaper.Start()
	r.serving.Add(reaper)

	preHooks, err := middleware.HooksFromHookConfigs(cfg.PreHooks)
	if err != nil {
		return errors.Wrap(err, "failed to validate hook config")
	}
	logic := middleware.NewLogic(cfg.ResponseConfig, r.store, r.queue, preHooks, nil)
	r.serving.Add(logic)

	log.Info("starting HTTP frontend", cfg.HTTPConfig)
	fe, err := httpfrontend.NewFrontend(logic, cfg.HTTPConfig)
	if err != nil {
		return err
	}
	r.serving.Add(fe)

	return nil
}

func combineErrors(prefix string, errs []error) error {
	errStrs := make([]string, 0, len(errs))
	for _, err := range errs {
		errStrs = append(errStrs, err.Error())
	}

	return errors.New(prefix + ": " + strings.Join(errStrs, "; "))
}

// Stop shuts down an instance of the tracker.
func (r *Run) Stop() error {
	var errs []error

	if r.serving != nil {
		log.Debug("stopping frontends, reaper and metrics")
		errs = append(errs, r.serving.Stop().Wait()...)
	}

	if r.queue != nil {
		log.Debug("stopping queue")
		errs = append(errs, r.queue.Stop().Wait()...)
	}

	if r.store != nil {
		log.Debug("stopping storage")
		errs = append(errs, r.store.Stop().Wait()...)
	}

	if len(errs) != 0 {
		return combineErrors("failed while shutting down", errs)
	}

	return nil
}

// RootRunCmdFunc implements a Cobra command that runs an instance of the
// tracker and handles signals.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		if stopErr := r.Stop(); stopErr != nil {
			log.Error("failed to clean up after a failed start", log.Err(stopErr))
		}
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down")
	return r.Stop()
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if jsonLog {
		log.SetJSON()
		log.Info("enabled JSON logging")
	}

	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	if debugLog {
		log.SetDebug(true)
		log.Info("enabled debug logging")
	}

	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:               "ratiotracker",
		Short:             "BitTorrent Ratio Tracker",
		Long:              "A private BitTorrent tracker that keeps upload and download statistics per account",
		PersistentPreRunE: RootPreRunCmdFunc,
		RunE:              RootRunCmdFunc,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().String("config", "/etc/ratiotracker.yaml", "location of configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracker",
		RunE:  RootRunCmdFunc,
	}
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(reapCmd())
	rootCmd.AddCommand(torrentCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(e2eCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command", log.Err(err))
	}
}
