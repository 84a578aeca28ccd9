package main

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	httpfrontend "github.com/chihaya/ratiotracker/frontend/http"
	"github.com/chihaya/ratiotracker/middleware"
	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/swarm"

	// Imports to register middleware drivers.
	_ "github.com/chihaya/ratiotracker/middleware/clientapproval"

	// Imports to register storage drivers.
	_ "github.com/chihaya/ratiotracker/storage/database"
	_ "github.com/chihaya/ratiotracker/storage/memory"

	// Imports to register queue drivers.
	_ "github.com/chihaya/ratiotracker/queue/memory"
	_ "github.com/chihaya/ratiotracker/queue/redis"
)

const defaultMetricsAddr = "127.0.0.1:6880"

type driverConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

// Config represents the configuration used for executing the tracker.
type Config struct {
	middleware.ResponseConfig `yaml:",inline"`
	MetricsAddr               string                  `yaml:"metrics_addr"`
	HTTPConfig                httpfrontend.Config     `yaml:"http"`
	Storage                   driverConfig            `yaml:"storage"`
	Queue                     driverConfig            `yaml:"queue"`
	Reaper                    swarm.Config            `yaml:"reaper"`
	PreHooks                  []middleware.HookConfig `yaml:"prehooks"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"metricsAddr": cfg.MetricsAddr,
		"storage":     cfg.Storage.Name,
		"queue":       cfg.Queue.Name,
		"prehooks":    len(cfg.PreHooks),
	}
}

// Validate fills in the defaults of the top-level blocks. The components
// validate their own blocks when they are created.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.MetricsAddr == "" {
		validcfg.MetricsAddr = defaultMetricsAddr
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "MetricsAddr",
			"provided": cfg.MetricsAddr,
			"default":  validcfg.MetricsAddr,
		})
	}

	if cfg.Storage.Name == "" {
		validcfg.Storage.Name = "sqlite"
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "Storage.Name",
			"provided": cfg.Storage.Name,
			"default":  validcfg.Storage.Name,
		})
	}

	if cfg.Queue.Name == "" {
		validcfg.Queue.Name = "memory"
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "Queue.Name",
			"provided": cfg.Queue.Name,
			"default":  validcfg.Queue.Name,
		})
	}

	validcfg.ResponseConfig = cfg.ResponseConfig.Validate()

	// The reaper evicts peers on the same window the responses use.
	if cfg.Reaper.PeerLifetime <= 0 {
		validcfg.Reaper.PeerLifetime = validcfg.PeerLifetime
	}
	validcfg.Reaper = validcfg.Reaper.Validate()

	return validcfg
}

// ConfigFile represents a namespaced YAML configation file.
type ConfigFile struct {
	RatioTracker Config `yaml:"ratiotracker"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal([]byte(os.ExpandEnv(string(contents))), &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}
