// Copyright 2024 The sysmon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sysmon-dev/sysmon/internal/alert"
	"github.com/sysmon-dev/sysmon/internal/collector"
	"github.com/sysmon-dev/sysmon/internal/config"
	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/logs"
	"github.com/sysmon-dev/sysmon/internal/notify"
	"github.com/sysmon-dev/sysmon/internal/platform"
	"github.com/sysmon-dev/sysmon/internal/probe"
	"github.com/sysmon-dev/sysmon/internal/publisher"
	"github.com/sysmon-dev/sysmon/internal/store"
	"github.com/sysmon-dev/sysmon/internal/version"
)

var (
	configPath = flag.String("config", "/etc/sysmon/agent.yaml", "path to the agent config")
	logPath    = flag.String("log", "", "agent log file; empty logs to stderr")
	showVer    = flag.Bool("version", false, "print version and exit")
)

const (
	shutdownGrace     = 5 * time.Second
	retentionInterval = time.Hour
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.Version)
		return
	}
	if err := run(); err != nil {
		if errkind.Is(err, errkind.Fatal) || errkind.Is(err, errkind.Config) {
			log.Fatalf("sysmon-agent: %v", err)
		}
		log.Printf("sysmon-agent: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logs.New(*logPath, 0)
	plat := platform.Detect()

	hostname := cfg.Hostname
	if hostname == "" {
		hostname = plat.Hostname
	}
	logger.Infof("starting sysmon-agent %s on %s (%s, kernel %s), mode %s",
		version.Version, hostname, plat.Type.Name(), plat.KernelVersion, cfg.Mode)

	// The agent always attempts to continue with the subset of
	// capabilities it has: a dead publisher or degraded store must not
	// stop alerting, and vice versa.

	var st *store.Store
	if !(cfg.Mode == config.ModeDistributed && cfg.DisableLocalStore) {
		st, err = store.Open(store.Options{
			Path:          cfg.Storage.DBPath,
			BatchSize:     cfg.Storage.BatchSize,
			FlushInterval: time.Duration(cfg.Storage.FlushSeconds) * time.Second,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		defer st.Close()
	}

	engine := alert.NewEngine(hostname, logger)
	if cfg.AlertRulesPath != "" {
		if err := loadRules(engine, cfg, logger); err != nil {
			// A bad rule file degrades alerting, not the agent.
			logger.Errorf("alert rules rejected, alerting disabled: %v", err)
		}
	}

	var pub *publisher.Publisher
	if cfg.Mode == config.ModeDistributed || cfg.Mode == config.ModeHybrid {
		pub = publisher.New(publisher.Options{
			AggregatorURL:    cfg.AggregatorURL,
			AuthToken:        cfg.AuthToken,
			Hostname:         hostname,
			HostTags:         cfg.Tags,
			PushInterval:     time.Duration(cfg.PushIntervalMS) * time.Millisecond,
			QueueCapacity:    cfg.QueueCapacity,
			HTTPTimeout:      time.Duration(cfg.HTTPTimeoutMS) * time.Millisecond,
			RetryMaxAttempts: cfg.RetryMaxAttempts,
			RetryBaseDelay:   time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
			Logger:           logger,
		})
		pub.Start()
	}

	coll := collector.New(collector.Options{
		Interval:  time.Duration(cfg.CollectionIntervalMS) * time.Millisecond,
		Hostname:  hostname,
		Probe:     probe.NewGopsutilProbe(),
		Store:     st,
		Engine:    engine,
		Publisher: pub,
		Logger:    logger,
	})
	coll.Start()

	retention := store.RetentionPolicy{
		MaxAge: time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour,
	}
	retentionTicker := time.NewTicker(retentionInterval)
	defer retentionTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			logger.Infof("received %s, shutting down", sig)
			// Ordered shutdown: stop sampling and commit the final
			// store batch, drain the publisher, flush the sinks; the
			// deferred store close runs last. Each step is bounded.
			coll.Stop()
			if pub != nil {
				pub.Stop(shutdownGrace)
				stats := pub.Stats()
				logger.Infof("publisher: sent %d samples in %d batches, dropped %d",
					stats.SamplesSent, stats.BatchesSent, stats.SamplesDropped)
			}
			closeSinks(engine, logger)
			return nil
		case <-retentionTicker.C:
			if st == nil {
				continue
			}
			if pruned, err := st.ApplyRetention(retention, time.Now()); err != nil {
				logger.Errorf("retention pass failed: %v", err)
			} else if pruned > 0 {
				logger.Infof("retention pruned %d samples", pruned)
			}
		}
	}
}

// closeSinks flushes the engine's sinks within the shutdown grace
// period; an unresponsive sink is abandoned and logged.
func closeSinks(engine *alert.Engine, logger logs.StructuredLogger) {
	done := make(chan error, 1)
	go func() { done <- engine.Close() }()
	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("sink flush failed: %v", err)
		}
	case <-time.After(shutdownGrace):
		logger.Warnf("sinks did not flush within %s, abandoning", shutdownGrace)
	}
}

// loadRules parses the rule file, builds the declared sinks and hands
// the rule set to the engine. Any error rejects the whole file.
func loadRules(engine *alert.Engine, cfg *config.Config, logger logs.StructuredLogger) error {
	rulesCfg, err := alert.LoadConfig(cfg.AlertRulesPath)
	if err != nil {
		return err
	}
	if rulesCfg.Global.Enabled != nil && !*rulesCfg.Global.Enabled {
		logger.Infof("alerting disabled by configuration")
		return nil
	}
	for name, spec := range rulesCfg.Notifications {
		if !spec.IsEnabled() {
			continue
		}
		if spec.Kind == "log" && spec.Config["path"] == "" {
			if spec.Config == nil {
				spec.Config = map[string]string{}
			}
			spec.Config["path"] = cfg.AlertLogPath
		}
		sink, err := notify.New(name, spec, logger)
		if err != nil {
			return err
		}
		engine.RegisterSink(name, sink)
	}
	engine.SetRules(rulesCfg.Rules())
	logger.Infof("loaded %d alert rules, %d sinks", len(rulesCfg.Rules()), len(rulesCfg.Notifications))
	return nil
}
