// Main executor service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/proximax-storage/supercontract-executor/internal/assertloop"
	"github.com/proximax-storage/supercontract-executor/internal/blockchain"
	"github.com/proximax-storage/supercontract-executor/internal/eventloop"
	"github.com/proximax-storage/supercontract-executor/internal/execconfig"
	"github.com/proximax-storage/supercontract-executor/internal/executor"
	"github.com/proximax-storage/supercontract-executor/internal/messenger"
	"github.com/proximax-storage/supercontract-executor/internal/ocsp"
	"github.com/proximax-storage/supercontract-executor/internal/rpcsurface"
	"github.com/proximax-storage/supercontract-executor/internal/signer"
	"github.com/proximax-storage/supercontract-executor/internal/storageclient"
	"github.com/proximax-storage/supercontract-executor/internal/util"
	"github.com/proximax-storage/supercontract-executor/internal/vmclient"
)

func main() {
	logger := util.InitLogger()
	logger.Info().Msg("starting supercontract executor")

	cfg := util.InitConfig(logger, "config.toml")
	util.UpdateLogLevel(cfg, logger)

	self, err := signer.FromSeedHex(cfg.String("executor.identity_seed"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load executor identity key")
	}
	logger.Info().Str("executor_key", self.ExecutorKey().String()).Msg("loaded executor identity")

	natsURL := cfg.String("nats.url")
	nc, err := nats.Connect(natsURL, nats.Name("supercontract-executor"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()
	logger.Info().Str("url", natsURL).Msg("connected to nats")

	execCfg := execconfig.DefaultExecutorConfig()
	if v := cfg.Duration("executor.ocsp_query_timer"); v > 0 {
		execCfg.OCSPQueryTimer = v
	}
	if v := cfg.Int("executor.ocsp_query_max_efforts"); v > 0 {
		execCfg.OCSPQueryMaxEfforts = v
	}

	ocspCache, err := ocsp.NewCache(cfg.String("ocsp.cache_path"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open ocsp cache")
	}
	defer ocspCache.Close()
	ocspClient := ocsp.NewClient(
		ocspCache,
		ocsp.NewHTTPQuerier(execCfg.InternetConnectionTimeout),
		execCfg.OCSPQueryTimer,
		execCfg.OCSPQueryMaxEfforts,
	)
	logger.Info().Str("path", cfg.String("ocsp.cache_path")).Msg("initialized ocsp response cache")

	// Exposed over NATS so the VM/storage services can resolve certificate
	// revocation without each keeping their own retry/cache policy (spec
	// §5's OCSP retry policy lives once, here, per SPEC_FULL §B).
	if _, err := nc.Subscribe("sc.ocsp.query", ocspQueryHandler(ocspClient, logger)); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe ocsp query handler")
	}

	vmClient := vmclient.NewNATSClient(nc)
	storageClient := storageclient.NewNATSClient(nc)

	gateway, err := blockchain.NewNATSGateway(natsURL, execCfg.InternetConnectionTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create blockchain gateway")
	}
	defer gateway.Close()
	chainCache := blockchain.NewCache(gateway, cfg.Int("blockchain.cache_size"), logger)

	loop := eventloop.New(0)
	defer loop.Stop()

	// Structural-invariant breaches (spec §7) flush and stop this guard
	// before panicking; no recover anywhere above it, so the panic
	// propagates out of main and the host supervisor restarts the process.
	guard := assertloop.Start(10*time.Second, assertloop.StdoutFlush)
	defer guard.Stop()

	var root *executor.Root
	sess := messenger.NewSession(nc, self.ExecutorKey(), execCfg.SessionRestartWait, logger, func(msg messenger.InputMessage) {
		if root != nil {
			root.OnMessageReceived(msg)
		}
	})

	shutdownCause := make(chan error, 1)
	surface, err := rpcsurface.New(nc, nil, logger, func(cause error) {
		select {
		case shutdownCause <- cause:
		default:
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create rpc surface")
	}

	root = executor.New(executor.Config{
		Self:          self.ExecutorKey(),
		Signer:        self,
		VM:            vmClient,
		Storage:       storageClient,
		Messenger:     sess,
		Chain:         chainCache,
		HostSink:      surface,
		Loop:          loop,
		Logger:        logger,
		DefaultConfig: execCfg,
		Guard:         guard,
	})

	surface.SetTarget(root)
	if err := surface.Open(); err != nil {
		logger.Fatal().Err(err).Msg("failed to open rpc surface")
	}
	defer surface.Close()

	for _, tag := range root.Subscriptions() {
		if err := sess.Subscribe(tag); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe messenger tag")
		}
	}
	sess.Open()

	metricsAddr := cfg.String("metrics.address")
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthAddr := cfg.String("health.address")
	healthServer := &http.Server{Addr: healthAddr, Handler: http.HandlerFunc(healthCheckHandler(root, sess))}
	go func() {
		logger.Info().Str("address", healthAddr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case cause := <-shutdownCause:
		logger.Error().Err(cause).Msg("rpc surface stream error, shutting down")
	}

	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// healthCheckHandler reports admitted-contract count and messenger
// session state, mirroring the teacher's sync-position health endpoint.
func healthCheckHandler(root *executor.Root, sess *messenger.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sess.State() != messenger.Active {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy\nmessenger_state: %s\n", sess.State())
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\ncontracts: %d\nmessenger_state: %s\n", root.Len(), sess.State())
	}
}

type ocspQueryRequest struct {
	Key          string
	ResponderURL string
	Request      []byte
}

type ocspQueryResponse struct {
	Response []byte
	Error    string `json:",omitempty"`
}

// ocspQueryHandler answers sc.ocsp.query requests from the client's shared
// cache/retry policy.
func ocspQueryHandler(client *ocsp.Client, logger *zerolog.Logger) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req ocspQueryRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logger.Warn().Err(err).Msg("malformed ocsp query, dropped")
			return
		}

		resp, err := client.Response(context.Background(), req.Key, req.ResponderURL, req.Request)
		out := ocspQueryResponse{Response: resp}
		if err != nil {
			out.Error = err.Error()
		}
		data, err := json.Marshal(out)
		if err != nil {
			logger.Error().Err(err).Msg("failed to marshal ocsp query response")
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn().Err(err).Msg("failed to respond to ocsp query")
		}
	}
}
