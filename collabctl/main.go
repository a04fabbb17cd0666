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

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/playweave/collab/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultConnectUrl = "ws://localhost:8090"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Collab control.

The default url is:
    connect_url: %s

Usage:
    collabctl token --user_id=<user_id> --name=<name> [--secret=<secret>]
    collabctl tail [--connect_url=<connect_url>] [--api_url=<api_url>]
        --jwt=<jwt>
        --doc=<document_id>
    collabctl send [--connect_url=<connect_url>] --jwt=<jwt>
        --doc=<document_id>
        --kind=<kind>
        [<payload>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --connect_url=<connect_url>
    --api_url=<api_url>        Document endpoint. When set, the session
                               refetches the document after reconnects.
    --user_id=<user_id>        User id (uuid) to put in the token.
    --name=<name>              Display name to put in the token.
    --secret=<secret>          HMAC secret. Prompted when omitted.
    --jwt=<jwt>                Your identity JWT.
    --doc=<document_id>        Document to join.
    --kind=<kind>              Update kind, e.g. module_move.`,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	}
}

func token(opts docopt.Opts) {
	userIdStr, _ := opts.String("--user_id")
	name, _ := opts.String("--name")

	userId, err := collab.ParseId(userIdStr)
	if err != nil {
		Err.Fatalf("bad --user_id: %s", err)
	}

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		Out.Printf("secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			Err.Fatalf("read secret: %s", err)
		}
		Out.Printf("\n")
		secret = string(secretBytes)
	}

	jwt, err := collab.MintByJwt(userId, name, []byte(secret))
	if err != nil {
		Err.Fatalf("mint: %s", err)
	}
	Out.Printf("%s\n", jwt)
}

func tail(opts docopt.Opts) {
	session := newSession(opts)
	defer session.Close()

	session.AddConnectionStateCallback(func(state collab.ConnectionState) {
		Out.Printf("state %s\n", state)
	})
	session.AddPresenceCallback(func(presences []*collab.Presence) {
		names := []string{}
		for _, presence := range presences {
			names = append(names, presence.UserName)
		}
		Out.Printf("presence %v\n", names)
	})
	session.AddUpdateCallback(func(doc *collab.Document, event *collab.UpdateEvent) {
		eventJson, _ := json.Marshal(event)
		Out.Printf("update %s\n", eventJson)
	})

	documentId, _ := opts.String("--doc")
	session.ConnectToDocument(documentId)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func send(opts docopt.Opts) {
	session := newSession(opts)
	defer session.Close()

	kindStr, _ := opts.String("--kind")
	kind := collab.UpdateKind(kindStr)
	if !kind.Known() {
		Err.Fatalf("unknown update kind %s", kindStr)
	}

	event := &collab.UpdateEvent{
		Kind: kind,
	}
	if payloadAny := opts["<payload>"]; payloadAny != nil {
		if err := json.Unmarshal([]byte(payloadAny.(string)), event); err != nil {
			Err.Fatalf("bad payload: %s", err)
		}
		event.Kind = kind
	}

	connected := make(chan struct{})
	session.AddConnectionStateCallback(func(state collab.ConnectionState) {
		if state.IsConnected() {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	documentId, _ := opts.String("--doc")
	session.ConnectToDocument(documentId)

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		Err.Fatalf("connect timeout")
	}

	session.SendUpdate(event)
	// leave room for a debounced send to fire
	time.Sleep(500 * time.Millisecond)
	Out.Printf("sent %s\n", kind)
}

func newSession(opts docopt.Opts) *collab.Session {
	var connectUrl string
	if connectUrlAny := opts["--connect_url"]; connectUrlAny != nil {
		connectUrl = connectUrlAny.(string)
	} else {
		connectUrl = DefaultConnectUrl
	}

	jwt, _ := opts.String("--jwt")

	settings := collab.DefaultSessionSettings()
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		api := collab.NewDocumentApi(apiUrlAny.(string))
		api.SetByJwt(jwt)
		settings.SnapshotFunc = func(ctx context.Context, documentId string) (*collab.Document, error) {
			result, err := api.GetDocumentSync(documentId)
			if err != nil {
				return nil, err
			}
			if result.Error != nil {
				return nil, fmt.Errorf("%s", result.Error.Message)
			}
			return result.Document, nil
		}
	}

	return collab.NewSession(
		context.Background(),
		connectUrl,
		&collab.RoomAuth{
			ByJwt:      jwt,
			AppVersion: CollabCtlVersion,
		},
		settings,
	)
}
