// Command redfoam runs the broker: a producer listener and a consumer
// listener, backed by the topic files named in a YAML config.
//
// Usage:
//
//	redfoam [-config <path>] <bind-address>
//
// Flags must come before the bind address.
//
// The consumer listener binds the adjacent port (bind-port + 1).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gramsey/redfoam/internal/config"
	"github.com/gramsey/redfoam/internal/dispatch"
	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/registry"
	"github.com/gramsey/redfoam/internal/session"
	"github.com/gramsey/redfoam/internal/topicstore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("redfoam", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configPath := fs.String("config", "redfoam.yaml", "Path to the topic-descriptor YAML file.")
	sentryDSN := fs.String("sentry-dsn", "", "Sentry DSN for error reporting. Empty disables reporting.")
	logLevel := fs.Int("log-level", 0, "Log level: -4 debug, 0 info, 4 warn, 8 error.")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "redfoam [flags] <bind-address>\n\n")
		fmt.Fprintf(os.Stderr, "bind-address is host:port for the producer listener;\n")
		fmt.Fprintf(os.Stderr, "the consumer listener binds the adjacent port (port+1).\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	bindAddr := fs.Arg(0)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(*logLevel)}))
	sentryHub := observability.NewSentryHub(*sentryDSN, "", "")
	coreLogger := observability.NewCoreLogger(logger, sentryHub)

	consumerAddr, err := adjacentPort(bindAddr, 1)
	if err != nil {
		coreLogger.CaptureError(fmt.Errorf("main: %w", err))
		return 1
	}

	cfgFile, err := config.Load(*configPath)
	if err != nil {
		coreLogger.CaptureError(fmt.Errorf("main: %w", err))
		return 1
	}

	producerReg := registry.New(coreLogger, 0)
	consumerReg := registry.New(coreLogger, 0)
	for _, topicCfg := range cfgFile.Topics {
		if _, err := producerReg.Add(topicCfg, topicstore.RoleProducer); err != nil {
			coreLogger.CaptureError(fmt.Errorf("main: opening %s for producer role: %w", topicCfg.TopicName, err))
			return 1
		}
		if _, err := consumerReg.Add(topicCfg, topicstore.RoleConsumer); err != nil {
			coreLogger.CaptureError(fmt.Errorf("main: opening %s for consumer role: %w", topicCfg.TopicName, err))
			return 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := consumerReg.Watch(ctx); err != nil {
		coreLogger.CaptureError(fmt.Errorf("main: starting topic watcher: %w", err))
		return 1
	}
	defer consumerReg.Close()

	disp := dispatch.New(consumerReg, coreLogger)

	producerServer, err := session.NewServer(bindAddr, session.NewProducerFactory(producerReg, coreLogger), coreLogger)
	if err != nil {
		coreLogger.CaptureError(fmt.Errorf("main: binding producer listener %s: %w", bindAddr, err))
		return 1
	}
	consumerServer, err := session.NewServer(consumerAddr, session.NewConsumerFactory(consumerReg, coreLogger), coreLogger)
	if err != nil {
		coreLogger.CaptureError(fmt.Errorf("main: binding consumer listener %s: %w", consumerAddr, err))
		return 1
	}
	// Dispatch runs as step 4 of the consumer server's own tick (spec.md
	// §5), never on a goroutine of its own: its writes to a follower's
	// socket must be serialized against that same session's own writes.
	consumerServer.SetDispatch(disp.Drain)

	go producerServer.Run()
	go consumerServer.Run()

	coreLogger.Info("main: redfoam started", "producer_addr", bindAddr, "consumer_addr", consumerAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	coreLogger.Info("main: shutting down")
	producerServer.Stop()
	consumerServer.Stop()
	return 0
}

// adjacentPort returns host:port+delta for a "host:port" address.
func adjacentPort(addr string, delta int) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("redfoam: bad bind address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("redfoam: bad port in %q: %w", addr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+delta)), nil
}
