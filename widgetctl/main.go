package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/openkernel/widgetsync/widgetsync"
)

const WidgetCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Widget sync control.

Connects to a kernel websocket and mirrors widget comm state.

Usage:
    widgetctl watch --url=<url> [--token=<token>] [--prompt-token]
    widgetctl get --url=<url> <comm_id> [--token=<token>] [--prompt-token] [--settle=<seconds>]
    widgetctl set --url=<url> <comm_id> <patch_json> [--token=<token>] [--prompt-token] [--settle=<seconds>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Kernel websocket url.
    --token=<token>      Bearer token for the handshake.
    --prompt-token       Prompt for the token instead of passing it inline.
    --settle=<seconds>   Time to wait for comm state to arrive [default: 2].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WidgetCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch, _ := opts.Bool("watch"); watch {
		watchComms(opts)
	} else if get, _ := opts.Bool("get"); get {
		getComm(opts)
	} else if set, _ := opts.Bool("set"); set {
		setComm(opts)
	}
}

func newSession(ctx context.Context, opts docopt.Opts) (*widgetsync.Store, *widgetsync.CommRouter) {
	url, _ := opts.String("--url")

	settings := widgetsync.DefaultKernelTransportSettings()
	if token, err := opts.String("--token"); err == nil {
		settings.AuthToken = token
	}
	if prompt, _ := opts.Bool("--prompt-token"); prompt {
		fmt.Fprint(os.Stderr, "token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("read token error = %s", err)
		}
		settings.AuthToken = string(tokenBytes)
	}

	store := widgetsync.NewStoreWithDefaults()
	transport := widgetsync.NewKernelTransport(ctx, url, nil, settings)
	router := widgetsync.NewCommRouterWithDefaults(store, transport.Send)
	transport.SetHandler(router.HandleMessage)
	return store, router
}

func watchComms(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, _ := newSession(ctx, opts)
	store.AddChangeCallback(func(event *widgetsync.StoreEvent) {
		switch event.Kind {
		case widgetsync.StoreEventCreated:
			Out.Printf("+ %s %s/%s", event.ModelId, event.Model.ModelModule, event.Model.ModelName)
		case widgetsync.StoreEventUpdated:
			Out.Printf("~ %s %s", event.ModelId, strings.Join(event.ChangedKeys, ","))
		case widgetsync.StoreEventDeleted:
			Out.Printf("- %s", event.ModelId)
		}
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func getComm(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, _ := newSession(ctx, opts)
	settle(opts)

	commId, _ := opts.String("<comm_id>")
	model, ok := store.GetModel(commId)
	if !ok {
		Err.Fatalf("no model %s", commId)
	}
	stateJson, err := json.MarshalIndent(model.State, "", "  ")
	if err != nil {
		Err.Fatalf("encode error = %s", err)
	}
	Out.Printf("%s", stateJson)
}

func setComm(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, router := newSession(ctx, opts)
	settle(opts)

	commId, _ := opts.String("<comm_id>")
	patchJson, _ := opts.String("<patch_json>")
	patch := map[string]any{}
	if err := json.Unmarshal([]byte(patchJson), &patch); err != nil {
		Err.Fatalf("bad patch: %s", err)
	}
	if err := router.SendUpdate(commId, patch, nil); err != nil {
		Err.Fatalf("send error = %s", err)
	}
	// give the write pump a beat before tearing the socket down
	time.Sleep(500 * time.Millisecond)
}

func settle(opts docopt.Opts) {
	seconds, err := opts.Int("--settle")
	if err != nil {
		seconds = 2
	}
	time.Sleep(time.Duration(seconds) * time.Second)
}
