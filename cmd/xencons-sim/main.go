// Command xencons-sim runs a console frontend against a simulated backend on
// an in-process bus. Standard input is written to the console. Standard
// output shows what the backend received, or with --echo, what came back
// through the console's input ring.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-xencons"
	"github.com/ehrlich-b/go-xencons/backend"
	"github.com/ehrlich-b/go-xencons/internal/logging"
	"github.com/ehrlich-b/go-xencons/internal/xenbus"
)

const (
	stdinOwner xencons.Owner = 1
	inputOwner xencons.Owner = 2

	shutdownTimeout = 5 * time.Second
)

var configFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file",
	},
	&cli.StringFlag{
		Name:  "name",
		Usage: "console instance (device/console/<name>)",
	},
	&cli.StringFlag{
		Name:  "protocol",
		Usage: "protocol the backend advertises",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "trace, debug, info, warn or error",
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "shorthand for --log-level debug",
	},
	&cli.BoolFlag{
		Name:  "json",
		Usage: "log as JSON",
	},
	&cli.BoolFlag{
		Name:  "echo",
		Usage: "backend echoes everything it receives back to the frontend",
	},
	&cli.BoolFlag{
		Name:  "stats",
		Usage: "print console statistics as JSON on exit",
	},
}

func main() {
	app := &cli.App{
		Name:  "xencons-sim",
		Usage: "run a paravirtual console frontend against a simulated backend",
		Flags: configFlags,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "copy standard input to the console until EOF or a signal",
				Action: runAction,
			},
			{
				Name:   "dump",
				Usage:  "connect, write a line and dump the store and debug callbacks",
				Action: dumpAction,
			},
		},
		DefaultCommand: "run",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "xencons-sim: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfig loads the config file and applies command line overrides
func resolveConfig(c *cli.Context) (simConfig, error) {
	cfg, err := loadSimConfig(c.String("config"))
	if err != nil {
		return simConfig{}, err
	}
	if c.IsSet("name") {
		cfg.Name = c.String("name")
	}
	if c.IsSet("protocol") {
		cfg.Backend.Protocol = c.String("protocol")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.Bool("verbose") {
		cfg.Log.Level = "debug"
	}
	if c.Bool("json") {
		cfg.Log.Format = "json"
	}
	if c.IsSet("echo") {
		cfg.Backend.Echo = c.Bool("echo")
	}
	return cfg, nil
}

func newLogger(cfg simConfig) *logging.Logger {
	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.Log.Level)
	logConfig.Format = cfg.Log.Format
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	return logger
}

// session is a connected frontend and its backend
type session struct {
	bus     *xenbus.Bus
	backend *backend.Console
	console *xencons.Console
	logger  *logging.Logger
}

func startSession(ctx context.Context, cfg simConfig, output io.Writer) (*session, error) {
	logger := newLogger(cfg)
	params := cfg.params()
	bus := xenbus.NewBus()

	be, err := backend.NewConsole(backend.ConsoleConfig{
		Bus:          bus,
		FrontendPath: xencons.FrontendPathPrefix + "/" + params.Name,
		Domain:       cfg.Backend.Domain,
		Name:         cfg.Backend.Name,
		Protocol:     cfg.Backend.Protocol,
		Output:       output,
		Echo:         cfg.Backend.Echo,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	if err := be.Start(ctx); err != nil {
		return nil, err
	}

	console, err := xencons.CreateConsole(ctx, params, &xencons.Options{
		Services: bus.Services(),
		Logger:   logger,
		Ejector:  ejectLogger{logger: logger},
	})
	if err != nil {
		_ = be.Stop()
		return nil, err
	}

	if err := console.D3ToD0(ctx); err != nil {
		console.Destroy()
		_ = be.Stop()
		return nil, err
	}
	return &session{bus: bus, backend: be, console: console, logger: logger}, nil
}

// close powers the console down and tears everything down
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.console.D0ToD3(ctx)
	s.console.Destroy()
	if err := s.backend.Stop(); err != nil {
		s.logger.Warn("backend stop failed", "error", err)
	}
}

type ejectLogger struct {
	logger *logging.Logger
}

func (e ejectLogger) RequestEject(path string) {
	e.logger.Warn("backend went offline, eject requested", "path", path)
}

func runAction(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// With echo on, stdout shows the round trip through the input ring
	// instead of what the backend received
	var backendOut io.Writer = os.Stdout
	if cfg.Backend.Echo {
		backendOut = io.Discard
	}

	s, err := startSession(ctx, cfg, backendOut)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.console.Open(stdinOwner); err != nil {
		return err
	}
	if err := s.console.Open(inputOwner); err != nil {
		return err
	}
	defer func() {
		_ = s.console.Close(inputOwner)
		_ = s.console.Close(stdinOwner)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reading standard input cannot be interrupted, so it stays outside
	// the group and ends the session on EOF
	go func() {
		defer cancel()
		if err := copyIn(ctx, s.console, os.Stdin); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "stdin copy failed", "error", err)
		}
	}()

	var echoed int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buf := make([]byte, xencons.InCapacity)
		for {
			n, err := s.console.Read(gctx, inputOwner, buf)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			echoed += int64(n)
			if _, err := os.Stdout.Write(buf[:n]); err != nil {
				return err
			}
		}
	})

	err = g.Wait()
	s.logger.Info("session ended", "echoed", echoed, "consumed", s.backend.Consumed())

	if c.Bool("stats") {
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(s.console.Info()); encErr != nil {
			s.logger.Warn("failed to encode stats", "error", encErr)
		}
	}
	return err
}

func copyIn(ctx context.Context, console *xencons.Console, r io.Reader) error {
	buf := make([]byte, xencons.OutCapacity)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := console.Write(ctx, stdinOwner, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func dumpAction(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}

	s, err := startSession(c.Context, cfg, io.Discard)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.console.Open(stdinOwner); err != nil {
		return err
	}
	defer func() { _ = s.console.Close(stdinOwner) }()

	line := fmt.Sprintf("hello from %s\n", s.console.Path())
	if _, err := s.console.Write(c.Context, stdinOwner, []byte(line)); err != nil {
		return err
	}

	s.bus.Dump(os.Stdout)
	return nil
}
