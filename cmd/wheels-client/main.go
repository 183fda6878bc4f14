// Command wheels-client calls the demo TestRpcService once per method.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"wheels-rpc/client"
	"wheels-rpc/example"
	"wheels-rpc/logging"
)

func main() {
	cfg := client.DefaultConfig()
	flag.StringVar(&cfg.Host, "host", cfg.Host, "server host")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "server port")
	flag.IntVar(&cfg.MaxFrameLength, "max-frame", cfg.MaxFrameLength, "maximum frame length in bytes, prefix included")
	flag.IntVar(&cfg.LengthFieldLength, "length-field", cfg.LengthFieldLength, "length prefix width: 1, 2, 4 or 8")
	flag.IntVar(&cfg.PoolSize, "pool", cfg.PoolSize, "connection pool size")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "dial timeout")
	flag.IntVar(&cfg.Retry.MaxRetries, "retries", 0, "dial retries")
	flag.DurationVar(&cfg.Retry.BaseDelay, "retry-delay", 100*time.Millisecond, "first retry backoff")
	var (
		level    = flag.String("log-level", "info", "log level")
		useColor = flag.Bool("color", true, "colored log levels")
		timeout  = flag.Duration("timeout", 10*time.Second, "overall call timeout")
	)
	flag.Parse()

	if err := logging.Setup(*level, os.Stdout, *useColor); err != nil {
		logrus.Fatal(err)
	}

	cli := client.New(cfg)
	if err := cli.Start(); err != nil {
		logrus.Fatal(err)
	}
	defer cli.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	svc := example.NewTestRpcServiceClient(cli)

	result, err := svc.SomeMethod(ctx, example.TestData{Value: 233, Text: "Hello", Msg: "Server"})
	if err != nil {
		logrus.WithError(err).Error("someMethod failed")
		return
	}
	logrus.Infof("someMethod: %+v", result)

	x, y := 210, 23
	sum, err := svc.Add(ctx, x, y)
	if err != nil {
		logrus.WithError(err).Error("add failed")
		return
	}
	logrus.Infof("%d + %d = %d", x, y, sum)
}
