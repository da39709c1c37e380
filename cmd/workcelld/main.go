// Command workcelld runs one workcell: it loads the workcell definition,
// connects the state and archive backends, seeds the state store, then serves
// the REST API while the engine loops poll nodes and dispatch workflow steps.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/madsci-dev/workcell/api"
	"github.com/madsci-dev/workcell/archive"
	archivemem "github.com/madsci-dev/workcell/archive/memory"
	archivemongo "github.com/madsci-dev/workcell/archive/mongo"
	"github.com/madsci-dev/workcell/config"
	"github.com/madsci-dev/workcell/engine"
	"github.com/madsci-dev/workcell/labclients"
	"github.com/madsci-dev/workcell/nodeclient"
	"github.com/madsci-dev/workcell/state"
	statemem "github.com/madsci-dev/workcell/state/memory"
	"github.com/madsci-dev/workcell/state/redisstate"
	"github.com/madsci-dev/workcell/telemetry"
)

func main() {
	var (
		configF   = flag.String("config", "workcell.yaml", "Path to the workcell definition file")
		httpAddrF = flag.String("http-addr", ":8013", "HTTP listen address")
		uploadF   = flag.String("upload-dir", "", "Directory for uploaded workflow files (defaults to the OS temp dir)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *httpAddrF, *uploadF, *dbgF); err != nil {
		log.Fatalf(ctx, err, "workcell exited")
	}
	log.Printf(ctx, "exited")
}

func run(ctx context.Context, configPath, httpAddr, uploadDir string, dbg bool) error {
	def, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "workcell", V: def.Name}, log.KV{K: "workcell_id", V: def.WorkcellID})

	// State store: Redis when configured, in-process memory otherwise.
	var store state.Store
	if def.Config.RedisURL != "" {
		ropts, err := redis.ParseURL(def.Config.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		store, err = redisstate.New(ctx, redisstate.Options{Redis: rdb, WorkcellID: def.WorkcellID})
		if err != nil {
			return err
		}
		log.Printf(ctx, "state store: redis")
	} else {
		store = statemem.New()
		log.Printf(ctx, "state store: memory (workcell state will not survive restarts)")
	}
	defer store.Close(context.WithoutCancel(ctx))

	// Workflow archive: MongoDB when configured.
	var (
		arch    archive.Store
		pingers []health.Pinger
	)
	if def.Config.MongoURL != "" {
		mclient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(def.Config.MongoURL))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() { _ = mclient.Disconnect(context.WithoutCancel(ctx)) }()
		mstore, err := archivemongo.New(archivemongo.Options{Client: mclient, Database: "madsci"})
		if err != nil {
			return err
		}
		arch = mstore
		pingers = append(pingers, mstore)
		log.Printf(ctx, "workflow archive: mongodb")
	} else {
		arch = archivemem.New()
		log.Printf(ctx, "workflow archive: memory")
	}

	// Optional lab manager clients.
	var (
		resourceClient *labclients.ResourceClient
		dataClient     *labclients.DataClient
		eventClient    *labclients.EventClient
	)
	if u := def.Config.ResourceManagerURL; u != "" {
		if resourceClient, err = labclients.NewResourceClient(u, nil); err != nil {
			return err
		}
	}
	if u := def.Config.DataManagerURL; u != "" {
		if dataClient, err = labclients.NewDataClient(u, nil); err != nil {
			return err
		}
	}
	if u := def.Config.EventManagerURL; u != "" {
		if eventClient, err = labclients.NewEventClient(u, def.WorkcellID, nil); err != nil {
			return err
		}
	}

	clients := nodeclient.NewRESTFactory(nodeclient.RESTOptions{
		Timeout: time.Duration(def.Config.NodeRequestTimeout),
	})

	// Seed the store from the definition before anything reads it.
	var resources state.ResourceCreator
	if resourceClient != nil {
		resources = resourceClient
	}
	if err := state.Initialize(ctx, store, def, resources, time.Duration(def.Config.LockTTL)); err != nil {
		return fmt.Errorf("initialize workcell state: %w", err)
	}

	var resourceReader engine.ResourceReader
	if resourceClient != nil {
		resourceReader = resourceClient
	}
	var data engine.DataSubmitter
	if dataClient != nil {
		data = dataClient
	}
	eng, err := engine.New(engine.Config{
		Store:    store,
		Archive:  arch,
		Clients:  clients,
		Resource: resourceReader,
		Data:     data,
		Events:   eventClient,
		Logger:   telemetry.NewClueLogger(),
		Metrics:  telemetry.NewClueMetrics(),
		Workcell: def.Config,
	})
	if err != nil {
		return err
	}

	server, err := api.New(api.Options{
		Store:     store,
		Archive:   arch,
		Lifecycle: eng.Lifecycle(),
		Clients:   clients,
		Data:      data,
		Events:    eventClient,
		Logger:    telemetry.NewClueLogger(),
		Workcell:  def.Config,
		UploadDir: uploadDir,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	var handler http.Handler = server.Router(ctx)
	if dbg {
		handler = debug.HTTP()(handler)
	}
	mux.Handle("/", handler)
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}

	errc := make(chan error, 3)

	// SIGINT and SIGTERM stop the workcell gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(engineCtx); err != nil {
			errc <- fmt.Errorf("engine: %w", err)
		}
	}()

	go func() {
		log.Printf(ctx, "HTTP server listening on %s", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	reason := <-errc
	log.Printf(ctx, "shutting down: %s", reason)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "http shutdown")
	}
	stopEngine()
	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		log.Errorf(ctx, shutdownCtx.Err(), "engine shutdown")
	}
	return nil
}
