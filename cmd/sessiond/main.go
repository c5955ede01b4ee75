// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/magma-core/session-enforcer/internal/client"
	"github.com/magma-core/session-enforcer/internal/client/fake"
	"github.com/magma-core/session-enforcer/internal/config"
	"github.com/magma-core/session-enforcer/internal/enforcer"
	"github.com/magma-core/session-enforcer/internal/engine"
	"github.com/magma-core/session-enforcer/internal/metrics"
	"github.com/magma-core/session-enforcer/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configPath       = flag.String("config", "sessiond.json", "path to sessiond config")
	yamlOverridePath = flag.String("config-override", "", "optional yaml config override file")
)

func init() {
	log.SetReportCaller(true)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// newExternalCollaborators wires the enforcer's external collaborators.
// Production deployments would dial real gRPC stubs here; this process
// hosts the in-memory fakes that satisfy the same capability interfaces
// a real Datapath/Reporter/AccessNotifier/BearerClient would.
func newExternalCollaborators(conf config.Conf) (client.Store, client.Datapath, client.Reporter, client.AccessNotifier, client.BearerClient, client.DirectoryClient, client.Scheduler, *metrics.Service, error) {
	m, err := metrics.NewPrometheusService()
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	var sessionStore client.Store

	if conf.UseMongo {
		mongoStore, err := store.NewMongoStore(conf.Mongo.URI, conf.Mongo.Database)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, nil, nil, err
		}

		sessionStore = mongoStore
	} else {
		sessionStore = store.NewInMemoryStore()
	}

	return sessionStore,
		fake.NewDatapath(),
		fake.NewReporter(),
		fake.NewAccessNotifier(),
		fake.NewBearerClient(),
		fake.NewDirectoryClient(),
		client.NewInMemoryScheduler(),
		m,
		nil
}

func main() {
	flag.Parse()

	conf, err := config.LoadConfigFile(*configPath, *yamlOverridePath)
	if err != nil {
		log.Fatalln("error reading conf file:", err)
	}

	log.SetLevel(conf.LogLevel)
	log.Infof("%+v", conf)

	sessionStore, datapath, reporter, notifier, bearers, directory, scheduler, promSvc, err := newExternalCollaborators(conf)
	if err != nil {
		log.Fatalln("error wiring external collaborators:", err)
	}

	e := engine.New(
		sessionStore,
		datapath,
		reporter,
		notifier,
		bearers,
		directory,
		scheduler,
		enforcer.NewStaticRuleStore(nil),
		promSvc,
		engine.Config{
			ReportThresholdPercent:           conf.ReportThresholdPercent,
			ForcedTerminationTimeout:         conf.ForcedTerminationTimeout,
			CloudRequestTimeout:              conf.CloudRequestTimeout,
			BackOffInterval:                  conf.BackOffInterval,
			QuotaExhaustionTerminationOnInit: conf.QuotaExhaustionTerminationOnInit,
		},
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promSvc.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{Addr: conf.HTTP.Addr, Handler: mux}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalln("http server failed", err)
		}

		log.Infoln("http server closed")
	}()

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	lis, err := net.Listen("tcp", conf.GRPC.Addr)
	if err != nil {
		log.Fatalln("grpc listen failed:", err)
	}

	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Errorln("grpc server stopped:", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	e.SyncSessionsOnRestart(ctx, time.Now())
	e.Setup(ctx, uint64(time.Now().Unix()), func(err error) {
		if err != nil {
			log.WithError(err).Error("data-plane setup failed")
		}
	})

	go e.Run(ctx, conf.CollectInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	signal.Notify(sig, syscall.SIGTERM)
	<-sig

	cancel()

	healthSrv.Shutdown()
	grpcSrv.GracefulStop()

	if err := httpSrv.Shutdown(context.Background()); err != nil {
		log.Errorln("failed to shutdown http:", err)
	}
}
