// Command wheels-server serves the demo TestRpcService.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"wheels-rpc/example"
	"wheels-rpc/logging"
	"wheels-rpc/middleware"
	"wheels-rpc/registry"
	"wheels-rpc/server"
)

func main() {
	cfg := server.DefaultConfig()
	flag.StringVar(&cfg.Host, "host", cfg.Host, "bind host")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "bind port")
	flag.IntVar(&cfg.MaxFrameLength, "max-frame", cfg.MaxFrameLength, "maximum frame length in bytes, prefix included")
	flag.IntVar(&cfg.LengthFieldLength, "length-field", cfg.LengthFieldLength, "length prefix width: 1, 2, 4 or 8")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker pool size")
	flag.IntVar(&cfg.QueueSize, "queue", cfg.QueueSize, "job and write queue capacity")
	var (
		level       = flag.String("log-level", "info", "log level")
		useColor    = flag.Bool("color", true, "colored log levels")
		rps         = flag.Float64("rate", 0, "requests per second across all connections, 0 disables limiting")
		burst       = flag.Int("burst", 100, "rate limiter burst")
		callTimeout = flag.Duration("timeout", 0, "per-request handler timeout, 0 disables it")
		grace       = flag.Duration("grace", 5*time.Second, "shutdown grace period")
	)
	flag.Parse()

	if err := logging.Setup(*level, os.Stdout, *useColor); err != nil {
		logrus.Fatal(err)
	}

	reg := registry.NewStatic()
	if err := example.Register(reg); err != nil {
		logrus.Fatal(err)
	}

	svr := server.New(cfg, reg)
	svr.Use(middleware.Logging(logrus.StandardLogger()))
	if *rps > 0 {
		svr.Use(middleware.RateLimit(*rps, *burst))
	}
	if *callTimeout > 0 {
		svr.Use(middleware.Timeout(*callTimeout))
	}

	if _, err := svr.Start(); err != nil {
		logrus.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if err := svr.Stop(*grace); err != nil {
		logrus.WithError(err).Error("shutdown")
		os.Exit(1)
	}
}
