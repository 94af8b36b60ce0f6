// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"sqlrelay/audit"
	"sqlrelay/engine"
	"sqlrelay/event"
	"sqlrelay/internal/config"
	"sqlrelay/internal/pidlock"
	"sqlrelay/pkg/logging"
	"sqlrelay/stats"
	"sqlrelay/web"
)

var (
	CommitSHA string
	Tag       string
	BuildTime string
)

func init() {
	if len(Tag) < 1 {
		Tag = "unknown"
	}
	if len(CommitSHA) < 1 {
		CommitSHA = "unknown"
	}
	if len(BuildTime) < 1 {
		BuildTime = "unknown"
	}
}

const banner string = `
________  ______  _____________________  __  _____
___  __/ / __ \ / /  / ___ / __ \/ ___/ / / / / / /
__  /___ / /_/ // /  / ____/ /_/ / /___/ /_/ / / /_/
/_/    / \___\_\____/_/     \___/_____/\__,_/_/___/

`

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	def := config.Default()
	fv := config.RegisterFlags(fs, def)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	if fv.Version {
		fmt.Printf("version: %s\ncommit: %s\ntime: %s\n", Tag, CommitSHA, BuildTime)
		return 0
	}
	if fv.Help {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fs.PrintDefaults()
		return 0
	}
	if fv.Authors {
		fmt.Printf("Authors: %s\n", config.Authors)
		return 0
	}

	cfg, err := config.Load(fv.ConfigFile, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	if fv.ShowConfig {
		cfg.Freeze()
		fmt.Print(cfg.Dump())
		return 0
	}

	if err := logging.InitializeLogger(
		logging.WithPath(cfg.LogPath),
		logging.WithExpireDay(cfg.LogExpireDay),
		logging.WithLogLevel(cfg.LogLevel),
	); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}

	fmt.Print(banner)
	fmt.Printf("sqlrelay version: %s\n", Tag)
	fmt.Printf("sqlrelay started with port: %d, pid: %d\n", cfg.Port, os.Getpid())
	logging.Infof("sqlrelay started with port: %d, pid: %d, version: %s", cfg.Port, os.Getpid(), Tag)

	lock, err := pidlock.Acquire(cfg.PidFile, cfg.Force)
	if err != nil {
		logging.Errorf("pid-lock: %v", err)
		return 1
	}
	defer lock.Release()

	metrics := stats.NewRelay("sqlrelay")

	sink, closeSink, err := buildAuditSink(cfg)
	if err != nil {
		logging.Errorf("audit sink: %v", err)
		return 1
	}
	defer closeSink()

	opts := engine.Options{
		TimeoutMillis:      cfg.TimeoutMS,
		ConnectTimeoutMS:   cfg.ConnectTimeout,
		ClientKeepAlive:    cfg.ClientKeepAlive,
		ServerKeepAlive:    cfg.ServerKeepAlive,
		NoDelay:            true,
		ReadBufferSize:     8192,
		MaxPollFDs:         1000,
		ChannelReserveFrac: event.DefaultReserveFraction,
		SlowLogMS:          cfg.SlowLogMS,
	}

	sup, err := engine.New(opts, cfg.ListenAddr(), cfg.UpstreamAddr(), metrics, sink.sink)
	if err != nil {
		logging.Errorf("failed to build supervisor: %v", err)
		return 1
	}
	if err := sup.Prepare(); err != nil {
		logging.Errorf("failed to prepare supervisor: %v", err)
		return 1
	}
	cfg.Freeze()

	if cfg.WebPort > 0 {
		startWebServer(cfg.WebPort, metrics, sink.recent)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sup.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Infof("sqlrelay received signal %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), engine.DefaultShutdownTimeout)
		defer cancel()
		if err := sup.Shutdown(ctx); err != nil {
			logging.Warnf("shutdown: %v", err)
		}
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			logging.Errorf("sqlrelay run failed: %v", err)
			return 1
		}
	}

	logging.Infof("sqlrelay shutdown, pid: %d, listen: %d", os.Getpid(), cfg.Port)
	return 0
}

// auditSink bundles the Sink handed to the WORKER engine with an optional
// RingSink view of the same events for the debug web server.
type auditSink struct {
	sink   audit.Sink
	recent *audit.RingSink
}

func buildAuditSink(cfg *config.Config) (auditSink, func(), error) {
	file, err := audit.NewRotatingFileSink(cfg.LogPath, "sqlrelay_audit.log", cfg.LogExpireDay)
	if err != nil {
		return auditSink{}, func() {}, err
	}

	if cfg.WebPort <= 0 {
		return auditSink{sink: file}, func() { file.Close() }, nil
	}

	ring := audit.NewRingSink(256)
	tee := audit.Tee{file, ring}
	return auditSink{sink: tee, recent: ring}, func() { tee.Close() }, nil
}

func startWebServer(port int, metrics *stats.Relay, recent *audit.RingSink) {
	gin.SetMode(gin.ReleaseMode)
	ginSrv := gin.New()
	web.Init(ginSrv, web.Deps{Metrics: metrics, Recent: recent})
	httpSrv := &http.Server{Handler: ginSrv, Addr: fmt.Sprintf(":%d", port)}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("debug web server: %v", err)
		}
	}()
}
