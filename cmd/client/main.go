package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cbodonnell/theyr/pkg/bridge"
	"github.com/cbodonnell/theyr/pkg/client"
	clientnetwork "github.com/cbodonnell/theyr/pkg/client/network"
	"github.com/cbodonnell/theyr/pkg/config"
	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/tree"
	"github.com/cbodonnell/theyr/pkg/version"
)

func main() {
	cfg, err := config.LoadClientConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}

	parsedLogLevel, err := log.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	// stdout carries bridge messages in Unity mode
	logger := log.New(os.Stderr, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Starting theyr client version %s", version.Get())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exceptions, err := client.NewExceptionSet(cfg.Exceptions...)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse exceptions: %v", err))
	}

	session, err := client.NewSession(client.NewSessionOptions{
		UserID: cfg.UserID,
		Dial:   clientnetwork.NewDialer(cfg.ServerURL, cfg.Token),
		Fetcher: clientnetwork.NewHTTPClient(clientnetwork.NewHTTPClientOptions{
			ServerURL: cfg.ServerURL,
			UserID:    cfg.UserID,
			Token:     cfg.Token,
		}),
		Exceptions:     exceptions,
		SyncInterval:   cfg.SyncInterval,
		ResyncInterval: cfg.ResyncInterval,
		CriticalPaths:  cfg.CriticalPaths,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to create session: %v", err))
	}
	session.OnStateChange(func(s client.ConnState) {
		log.Info("Connection state: %s", s)
	})

	var forwarder *bridge.Forwarder
	if cfg.Unity {
		forwarder = bridge.NewForwarder(ctx, bridge.NewForwarderOptions{
			Syncer: session,
			Unity:  bridge.NewStreamBridge(os.Stdout),
		})
	} else {
		forwarder = bridge.NewForwarder(ctx, bridge.NewForwarderOptions{
			Syncer:  session,
			Runtime: &consoleRuntime{out: os.Stdout},
		})
	}

	go func() {
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Session stopped: %v", err)
		}
		stop()
	}()

	if cfg.Unity {
		err = bridge.ReadMessages(ctx, os.Stdin, func(msg bridge.Message) error {
			return forwarder.HandleUnity(ctx, msg)
		}, func(err error) {
			log.Warn("Failed to handle Unity message: %v", err)
		})
	} else {
		err = runConsole(ctx, session, forwarder, os.Stdin, os.Stdout)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Input loop stopped: %v", err)
	}
	stop()
}

type consoleRuntime struct {
	out io.Writer
}

func (r *consoleRuntime) VariablesChanged(diff tree.Value) {
	fmt.Fprintf(r.out, "changed %s\n", diff)
}

func (r *consoleRuntime) Reload(root tree.Value) {
	fmt.Fprintf(r.out, "reloaded %s\n", root)
}

func runConsole(ctx context.Context, session *client.Session, forwarder *bridge.Forwarder, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := runCommand(ctx, session, forwarder, fields, out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func runCommand(ctx context.Context, session *client.Session, forwarder *bridge.Forwarder, fields []string, out io.Writer) error {
	switch fields[0] {
	case "set":
		if len(fields) < 3 {
			return fmt.Errorf("usage: set <path> <value>")
		}
		return session.Set(ctx, fields[1], tree.ParseLoose(strings.Join(fields[2:], " ")))
	case "atomic":
		if len(fields) < 3 {
			return fmt.Errorf("usage: atomic <path> <operator> [operand]")
		}
		operand := tree.Null()
		if len(fields) > 3 {
			operand = tree.ParseLoose(strings.Join(fields[3:], " "))
		}
		return session.AtomicUpdate(ctx, fields[1], fields[2], operand)
	case "get":
		if len(fields) < 2 {
			fmt.Fprintln(out, session.Mirror().Local())
			return nil
		}
		v, ok := session.Mirror().Get(fields[1])
		if !ok {
			return fmt.Errorf("%s is not set", fields[1])
		}
		fmt.Fprintln(out, v)
		return nil
	case "scene":
		if len(fields) < 2 {
			return fmt.Errorf("usage: scene <passage>")
		}
		return forwarder.SceneChanged(ctx, strings.Join(fields[1:], " "))
	case "reset":
		return session.FullReset(ctx)
	case "resync":
		return session.Resync(ctx)
	case "state":
		fmt.Fprintln(out, session.State())
		return nil
	case "quit", "exit":
		return io.EOF
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}
