// Command backsyncctl talks to a Backsync server from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"backsync/client"
	"backsync/config"
	"backsync/observability"
	"backsync/transport"
)

const BacksyncCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Backsync control.

The endpoint comes from the config file (client.endpoint, client.host or discovery)
unless --endpoint is given.

Usage:
    backsyncctl read <base> [--config=<path>] [--endpoint=<url>] [--timeout=<duration>]
    backsyncctl upsert <base> <json> [--config=<path>] [--endpoint=<url>] [--timeout=<duration>]
    backsyncctl delete <base> <json> [--config=<path>] [--endpoint=<url>] [--timeout=<duration>]
    backsyncctl watch <base> [--config=<path>] [--endpoint=<url>] [--id=<attr>]

Options:
    -h --help               Show this screen.
    --version               Show version.
    --config=<path>         YAML config file.
    --endpoint=<url>        ws://, wss:// or tcp:// endpoint.
    --timeout=<duration>    Give up on the reply after this long [default: 10s].
    --id=<attr>             Record id attribute [default: id].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BacksyncCtlVersion)
	if err != nil {
		panic(err)
	}

	var code int
	if read_, _ := opts.Bool("read"); read_ {
		code = call(opts, "read", false)
	} else if upsert_, _ := opts.Bool("upsert"); upsert_ {
		code = call(opts, "upsert", true)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		code = call(opts, "delete", true)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		code = watch(opts)
	}
	os.Exit(code)
}

// connect loads config, sets up logging and opens a transport that is not yet connected.
func connect(opts docopt.Opts) (*transport.SyncTransport, *zap.Logger, error) {
	configPath, _ := opts.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if endpoint, _ := opts.String("--endpoint"); endpoint != "" {
		cfg.Client.Endpoint = endpoint
		cfg.Client.Discover = false
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("connecting", zap.String("endpoint", describe(cfg)))
	return transport.New(dialer, transportOptions(cfg.Client, logger)...), logger, nil
}

// call sends one operation and prints the reply data.
func call(opts docopt.Opts, verb string, withPayload bool) int {
	base, _ := opts.String("<base>")
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		Err.Printf("invalid --timeout: %s", err)
		return 2
	}

	var payload any
	if withPayload {
		raw, _ := opts.String("<json>")
		if !json.Valid([]byte(raw)) {
			Err.Printf("<json> is not valid JSON")
			return 2
		}
		payload = json.RawMessage(raw)
	}

	tr, logger, err := connect(opts)
	if err != nil {
		Err.Printf("%s", err)
		return 1
	}
	defer logger.Sync()
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tr.Connect()
	data, err := tr.Call(ctx, base+":"+verb, payload)
	if err != nil {
		Err.Printf("%s:%s failed: %s", base, verb, err)
		return 1
	}
	Out.Printf("%s", data)
	return 0
}

// watch fetches a collection and prints every change until interrupted.
func watch(opts docopt.Opts) int {
	base, _ := opts.String("<base>")
	idAttr, _ := opts.String("--id")

	tr, logger, err := connect(opts)
	if err != nil {
		Err.Printf("%s", err)
		return 1
	}
	defer logger.Sync()
	defer tr.Close()

	coll := client.NewCollection(tr, base,
		client.WithIDAttribute(idAttr),
		client.WithCollectionLogger(logger),
	)
	defer coll.Close()

	stop := coll.Watch(func(change client.Change) {
		data, _ := json.Marshal(change.Record)
		Out.Printf("%s %s", change.Kind, data)
	})
	defer stop()

	tr.Connect()
	failed := make(chan error, 1)
	if err := coll.Fetch(func(err error) {
		if err != nil {
			failed <- err
		}
	}); err != nil {
		Err.Printf("fetch %s: %s", base, err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		return 0
	case err := <-failed:
		Err.Printf("fetch %s: %s", base, err)
		return 1
	}
}

func describe(cfg *config.Config) string {
	if cfg.Client.Discover {
		return fmt.Sprintf("discovery:%s/%s", cfg.Discovery.Backend, cfg.Discovery.Service)
	}
	return cfg.Client.EndpointURL()
}
