// Package http implements the announce and scrape endpoints of the tracker
// over HTTP as described in BEP 3 and BEP 23.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/chihaya/ratiotracker/frontend"
	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/pkg/stop"
)

// Name is the name by which this frontend is registered with the tracker.
const Name = "http"

// Default config constants.
const (
	defaultAddr            = ":8000"
	defaultReadTimeout     = 2 * time.Second
	defaultWriteTimeout    = 2 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Config represents all of the configurable options for an HTTP BitTorrent
// Frontend.
type Config struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ParseOptions `yaml:",inline"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":         cfg.Addr,
		"readTimeout":  cfg.ReadTimeout,
		"writeTimeout": cfg.WriteTimeout,
		"realIPHeader": cfg.RealIPHeader,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Addr == "" {
		validcfg.Addr = defaultAddr
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Addr",
			"provided": cfg.Addr,
			"default":  validcfg.Addr,
		})
	}

	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultReadTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ReadTimeout",
			"provided": cfg.ReadTimeout,
			"default":  validcfg.ReadTimeout,
		})
	}

	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".WriteTimeout",
			"provided": cfg.WriteTimeout,
			"default":  validcfg.WriteTimeout,
		})
	}

	return validcfg
}

// Frontend represents the state of an HTTP BitTorrent Frontend.
type Frontend struct {
	srv *http.Server

	logic frontend.TrackerLogic
	Config
}

// NewFrontend creates a new instance of an HTTP Frontend that asynchronously
// serves requests.
func NewFrontend(logic frontend.TrackerLogic, provided Config) (*Frontend, error) {
	cfg := provided.Validate()

	f := &Frontend{
		logic:  logic,
		Config: cfg,
	}

	f.srv = &http.Server{
		Addr:         f.Addr,
		Handler:      f.Handler(),
		ReadTimeout:  f.ReadTimeout,
		WriteTimeout: f.WriteTimeout,
	}

	ln, err := net.Listen("tcp", f.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := f.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed while serving http", log.Err(err))
		}
	}()

	return f, nil
}

// Stop provides a thread-safe way to shutdown a currently running Frontend.
func (f *Frontend) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		c.Done(f.srv.Shutdown(ctx))
	}()

	return c.Result()
}

// Handler returns the router serving the announce and scrape routes.
func (f *Frontend) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/announce", f.announceRoute)
	router.GET("/scrape", f.scrapeRoute)
	return router
}

// announceRoute parses and responds to an Announce.
func (f *Frontend) announceRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("announce", err, time.Since(start)) }()

	req, err := ParseAnnounce(r, f.ParseOptions)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	ctx := r.Context()
	resp, err := f.logic.HandleAnnounce(ctx, req)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	// The swarm already changed, so the post-announce work runs even when
	// the client went away.
	go f.logic.AfterAnnounce(context.Background(), req, resp)

	if err = WriteAnnounceResponse(w, resp); err != nil {
		log.Error("http: failed to write announce response", log.Err(err))
	}
}

// scrapeRoute parses and responds to a Scrape.
func (f *Frontend) scrapeRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("scrape", err, time.Since(start)) }()

	req, err := ParseScrape(r)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	resp, err := f.logic.HandleScrape(r.Context(), req)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	if err = WriteScrapeResponse(w, resp); err != nil {
		log.Error("http: failed to write scrape response", log.Err(err))
	}
}
