package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/playweave/collab/relay"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Playweave collaboration relay.

Serves one websocket room per document at /doc/<document_id>/ws.
When --redis_url is set, broadcasts are bridged across relay instances.
When --jwt_secret is set, join tokens must verify against it; without
it, token claims are read unverified (development only).

Usage:
    relayd serve [--port=<port>]
        [--redis_url=<redis_url>]
        [--jwt_secret=<jwt_secret>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --redis_url=<redis_url>    e.g. redis://localhost:6379/0
    --jwt_secret=<jwt_secret>
    -p --port=<port>           Listen port [default: 8090].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := relay.NewConnectionRegistry()

	settings := relay.DefaultRelaySettings()
	if jwtSecretAny := opts["--jwt_secret"]; jwtSecretAny != nil {
		settings.JwtSecret = jwtSecretAny.(string)
	}

	r := relay.NewRelay(cancelCtx, registry, settings)
	defer r.Close()

	if redisUrlAny := opts["--redis_url"]; redisUrlAny != nil {
		bridge, err := relay.NewRedisBridge(cancelCtx, redisUrlAny.(string), registry)
		if err != nil {
			glog.Errorf("[relayd]redis bridge error = %s\n", err)
			os.Exit(1)
		}
		defer bridge.Close()
		r.SetBridge(bridge)
	}

	glog.Infof("[relayd]listening on :%d\n", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), r); err != nil {
		glog.Errorf("[relayd]serve error = %s\n", err)
		os.Exit(1)
	}
}

func RequireVersion() string {
	if version := os.Getenv("PLAYWEAVE_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
