// Command ddpcli calls methods and watches subscriptions on a DDP peer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/panyam/ddpkit/ddp"
	gohttp "github.com/panyam/ddpkit/http"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/status"
)

const CliVersion = "0.0.1"

type change struct {
	collection string
	id         string
	kind       ddp.ChangeKind
}

func main() {
	usage := `DDP client.

Arguments that parse as JSON are sent as JSON, anything else as a string.

Usage:
    ddpcli call [options] <method> [<arg>...]
    ddpcli watch [options] <name> [<arg>...]
    ddpcli -h | --help
    ddpcli --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Endpoint URL, overrides host, port, path and ssl.
    --host=<host>          Peer host [default: localhost].
    --port=<port>          Peer port [default: 3000].
    --path=<path>          WebSocket path [default: websocket].
    --ssl                  Use wss.
    --ddp-version=<v>      Protocol version to propose [default: 1].
    --timeout=<seconds>    Connect and call timeout [default: 10].
    --verbose=<level>      glog verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CliVersion)
	if err != nil {
		panic(err)
	}
	verbose, _ := opts.String("--verbose")
	flag.Set("logtostderr", "true")
	flag.Set("v", verbose)

	if call_, _ := opts.Bool("call"); call_ {
		err = call(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(opts)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}

func endpoint(opts docopt.Opts) string {
	if url, _ := opts.String("--url"); url != "" {
		return url
	}
	host, _ := opts.String("--host")
	port, _ := opts.Int("--port")
	path, _ := opts.String("--path")
	ssl, _ := opts.Bool("--ssl")
	return gohttp.EndpointURL(host, port, path, ssl)
}

func timeout(opts docopt.Opts) time.Duration {
	seconds, err := opts.Int("--timeout")
	if err != nil || seconds <= 0 {
		seconds = 10
	}
	return time.Duration(seconds) * time.Second
}

func connect(ctx context.Context, opts docopt.Opts) (*ddp.Client, error) {
	version, _ := opts.String("--ddp-version")
	config := ddp.DefaultConfig()
	config.Name = "ddpcli"
	if version != ddp.DefaultVersion {
		config.Version = version
		config.Support = []string{version}
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout(opts))
	defer cancel()
	return gohttp.Dial(dialCtx, endpoint(opts), config, nil)
}

// params converts command line arguments into call parameters.
func params(opts docopt.Opts) []any {
	raw, _ := opts["<arg>"].([]string)
	out := make([]any, 0, len(raw))
	for _, arg := range raw {
		var value any
		if err := json.Unmarshal([]byte(arg), &value); err != nil {
			value = arg
		}
		out = append(out, value)
	}
	return out
}

func call(opts docopt.Opts) error {
	method, _ := opts.String("<method>")
	client, err := connect(context.Background(), opts)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout(opts))
	defer cancel()
	result, err := client.CallContext(ctx, method, params(opts)...)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		return nil
	}
	var out any
	if err := ddp.DecodeResult(result, &out); err != nil {
		return err
	}
	pretty, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(pretty))
	return nil
}

func watch(opts docopt.Opts) error {
	name, _ := opts.String("<name>")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}

	changes := make(chan change, 256)
	client.OnCollectionChange(func(collection, id string, kind ddp.ChangeKind) {
		select {
		case changes <- change{collection, id, kind}:
		case <-client.Done():
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-client.Done():
			return client.Err()
		case <-gctx.Done():
			glog.V(1).Infof("Stopping watch of %s", name)
			return client.Close()
		}
	})
	g.Go(func() error {
		id, err := client.SubscribeContext(gctx, name, params(opts)...)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "subscription %s (%s) ready\n", id, name)
		for {
			select {
			case <-gctx.Done():
				return nil
			case c := <-changes:
				if c.kind == ddp.Removed {
					fmt.Printf("%s %s/%s\n", c.kind, c.collection, c.id)
					continue
				}
				doc, _ := client.Document(c.collection, c.id)
				fmt.Printf("%s ", c.kind)
				printDoc(c.collection, c.id, doc)
			}
		}
	})
	return g.Wait()
}

func printDoc(collection, id string, doc ddp.Document) {
	data, _ := json.Marshal(doc)
	fmt.Printf("%s/%s %s\n", collection, id, data)
}

// describe renders remote errors with their grpc classification.
func describe(err error) string {
	var remote *ddp.RemoteError
	if errors.As(err, &remote) {
		return fmt.Sprintf("error: %s (%s)", remote.Error(), status.Code(remote))
	}
	return "error: " + err.Error()
}
