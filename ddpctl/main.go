package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slices"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/bringyour/ddp/ddp"
	"github.com/bringyour/ddp/ejson"
)

const DdpCtlVersion = "0.0.1"

const DefaultTimeout = 30 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `DDP control.

Params are EJSON values, e.g. 1, "a", {"$date": 0}.
The settings file is YAML with the client settings fields, e.g.

    url: wss://example.com/websocket
    auto_reconnect_timeout: 2s

Usage:
    ddpctl call [options] <method> [<param>...]
    ddpctl sub [options] <name> [<param>...]
    ddpctl watch [options] [--metrics_addr=<metrics_addr>]
        --collection=<collection>... <name> [<param>...]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                YAML settings file.
    --url=<url>                      Full websocket url. Overrides host, port, path.
    --host=<host>                    Server host, localhost if not set.
    --port=<port>                    Server port, 3000 if not set.
    --secure                         Use wss.
    --timeout=<timeout>              Wait this long for each step [default: 30s].
    --collection=<collection>        Print deltas of this collection.
    --metrics_addr=<metrics_addr>    Serve prometheus metrics on this address.
    -v --verbose                     Log protocol messages.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DdpCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if call_, _ := opts.Bool("call"); call_ {
		err = call(opts)
	} else if sub_, _ := opts.Bool("sub"); sub_ {
		err = sub(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(opts)
	}
	glog.Flush()
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(1)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
	if verbose, _ := opts.Bool("--verbose"); verbose {
		flag.Set("stderrthreshold", "INFO")
		flag.Set("v", "2")
	}
}

// settings file first, then command line overrides
func clientSettings(opts docopt.Opts) (*ddp.ClientSettings, error) {
	settings := ddp.DefaultClientSettings()

	if config, err := opts.String("--config"); err == nil && config != "" {
		data, err := os.ReadFile(config)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("Invalid settings file %s (%w).", config, err)
		}
	}

	if url, err := opts.String("--url"); err == nil && url != "" {
		settings.Url = url
	}
	if host, err := opts.String("--host"); err == nil && host != "" {
		settings.Host = host
	}
	if port, err := opts.Int("--port"); err == nil {
		settings.Port = port
	}
	if secure, _ := opts.Bool("--secure"); secure {
		settings.Secure = true
	}
	return settings, nil
}

func stepTimeout(opts docopt.Opts) time.Duration {
	if timeoutStr, err := opts.String("--timeout"); err == nil {
		if timeout, err := time.ParseDuration(timeoutStr); err == nil {
			return timeout
		}
	}
	return DefaultTimeout
}

func parseParams(codec *ejson.Codec, opts docopt.Opts) []any {
	paramStrs, _ := opts["<param>"].([]string)
	params := make([]any, 0, len(paramStrs))
	for _, paramStr := range paramStrs {
		param, err := codec.Decode([]byte(paramStr))
		if err != nil {
			// bare words are strings
			param = paramStr
		}
		params = append(params, param)
	}
	return params
}

// a connected client with an established session
func connect(ctx context.Context, opts docopt.Opts, settings *ddp.ClientSettings) (*ddp.BlockingClient, error) {
	client := ddp.NewClient(ctx, settings)
	blockingClient := ddp.NewBlockingClient(client)

	connectCtx, connectCancel := context.WithTimeout(ctx, stepTimeout(opts))
	defer connectCancel()

	if _, err := blockingClient.Connect(connectCtx); err != nil {
		client.Cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("Could not connect to %s (timeout).", client.Url())
		}
		return nil, fmt.Errorf("Could not connect to %s (%w).", client.Url(), err)
	}
	glog.V(2).Infof("[ddpctl]connected %s session=%s\n", client.Url(), client.Session().SessionId)
	return blockingClient, nil
}

func printValue(codec *ejson.Codec, value any) error {
	jsonValue, err := codec.ToJsonValue(value)
	if err != nil {
		return err
	}
	var out []byte
	if term.IsTerminal(int(os.Stdout.Fd())) {
		out, err = json.MarshalIndent(jsonValue, "", "    ")
	} else {
		out, err = json.Marshal(jsonValue)
	}
	if err != nil {
		return err
	}
	Out.Printf("%s\n", out)
	return nil
}

func call(opts docopt.Opts) error {
	method, _ := opts.String("<method>")

	settings, err := clientSettings(opts)
	if err != nil {
		return err
	}
	codec := ejson.NewCodec()
	settings.Codec = codec
	settings.AutoReconnect = false

	params := parseParams(codec, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blockingClient, err := connect(ctx, opts, settings)
	if err != nil {
		return err
	}
	defer blockingClient.Client().Cancel()

	callCtx, callCancel := context.WithTimeout(ctx, stepTimeout(opts))
	defer callCancel()

	result, err := blockingClient.Call(callCtx, method, params)
	if err != nil {
		return fmt.Errorf("Call %s failed (%w).", method, err)
	}
	return printValue(codec, result)
}

// subscribes, waits for the initial data, and prints the replica
func sub(opts docopt.Opts) error {
	name, _ := opts.String("<name>")

	settings, err := clientSettings(opts)
	if err != nil {
		return err
	}
	codec := ejson.NewCodec()
	settings.Codec = codec
	settings.AutoReconnect = false

	params := parseParams(codec, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blockingClient, err := connect(ctx, opts, settings)
	if err != nil {
		return err
	}
	defer blockingClient.Client().Cancel()

	subCtx, subCancel := context.WithTimeout(ctx, stepTimeout(opts))
	defer subCancel()

	subscriptionId, err := blockingClient.Subscribe(subCtx, name, params)
	if err != nil {
		return fmt.Errorf("Subscribe %s failed (%w).", name, err)
	}
	defer blockingClient.Unsubscribe(subscriptionId)

	replica := blockingClient.Client().Replica()
	collections := map[string]any{}
	for _, collectionName := range replica.CollectionNames() {
		collection := replica.Collection(collectionName)
		ids := make([]string, 0, len(collection))
		for id := range collection {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		documents := []any{}
		for _, id := range ids {
			documents = append(documents, map[string]any(collection[id]))
		}
		collections[collectionName] = documents
	}
	return printValue(codec, collections)
}

// prints deltas as they arrive until interrupted. Reconnects keep the subscription.
func watch(opts docopt.Opts) error {
	name, _ := opts.String("<name>")
	collectionNames, _ := opts["--collection"].([]string)

	settings, err := clientSettings(opts)
	if err != nil {
		return err
	}
	codec := ejson.NewCodec()
	settings.Codec = codec

	if metricsAddr, err := opts.String("--metrics_addr"); err == nil && metricsAddr != "" {
		registry := prometheus.NewRegistry()
		settings.MetricsRegisterer = registry
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				glog.Errorf("[ddpctl]metrics %s error = %s\n", metricsAddr, err)
			}
		}()
	}

	params := parseParams(codec, opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blockingClient, err := connect(ctx, opts, settings)
	if err != nil {
		return err
	}
	client := blockingClient.Client()
	defer client.Cancel()

	printDelta := func(delta map[string]any) {
		if err := printValue(codec, delta); err != nil {
			Err.Printf("%s\n", err)
		}
	}

	for _, collectionName := range collectionNames {
		blockingClient.Observe(
			collectionName,
			func(id string) {
				document, _ := client.Replica().Document(collectionName, id)
				printDelta(map[string]any{
					"msg":        ddp.MsgAdded,
					"collection": collectionName,
					"id":         id,
					"document":   map[string]any(document),
				})
			},
			func(id string, oldFields map[string]any, clearedFields []string, newFields map[string]any) {
				printDelta(map[string]any{
					"msg":        ddp.MsgChanged,
					"collection": collectionName,
					"id":         id,
					"fields":     newFields,
					"cleared":    clearedFields,
				})
			},
			func(id string, oldValue ddp.Document) {
				printDelta(map[string]any{
					"msg":        ddp.MsgRemoved,
					"collection": collectionName,
					"id":         id,
				})
			},
		)
	}

	subscribe := func() error {
		subCtx, subCancel := context.WithTimeout(ctx, stepTimeout(opts))
		defer subCancel()
		_, err := blockingClient.Subscribe(subCtx, name, params)
		return err
	}

	// subscriptions do not survive a lost session
	client.AddConnectedCallback(func(reconnected bool) {
		if reconnected {
			go func() {
				if err := subscribe(); err != nil {
					Err.Printf("Resubscribe %s failed (%s).\n", name, err)
				}
			}()
		}
	})
	client.AddFailedCallback(func(err error, reconnecting bool) {
		Err.Printf("Connection failed (%s).\n", err)
	})

	if err := subscribe(); err != nil {
		return fmt.Errorf("Subscribe %s failed (%w).", name, err)
	}

	<-ctx.Done()
	return nil
}
