// graderd is the umbrella binary of the grading system. One process runs one
// role: a worker shard serving jobs over RPC, or the evaluation service that
// schedules jobs, scores results, mirrors rankings and answers the operator
// API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dev.helix.grader/internal/blobstore"
	"dev.helix.grader/internal/cache"
	"dev.helix.grader/internal/config"
	"dev.helix.grader/internal/database"
	"dev.helix.grader/internal/evaluation"
	"dev.helix.grader/internal/httpapi"
	"dev.helix.grader/internal/metrics"
	"dev.helix.grader/internal/rankingproxy"
	"dev.helix.grader/internal/rpc"
	"dev.helix.grader/internal/sandbox"
	"dev.helix.grader/internal/scoring"
	"dev.helix.grader/internal/worker"
)

func main() {
	var (
		role       = flag.String("role", "evaluation", "process role: evaluation or worker")
		configPath = flag.String("config", "", "path to the YAML configuration file")
		contestID  = flag.Int64("contest", 0, "contest mirrored to the rankings (evaluation role)")
		name       = flag.String("name", "worker-0", "worker shard name (worker role)")
		shard      = flag.Int("shard", 0, "worker shard index, selects the sandbox box range")
		listen     = flag.String("listen", ":26000", "worker RPC listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := cfg.Logger()
	gin.SetMode(cfg.Server.Mode)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *role {
	case "worker":
		err = runWorker(ctx, cfg, log, *name, *shard, *listen)
	case "evaluation":
		err = runEvaluation(ctx, cfg, log, *contestID)
	default:
		err = fmt.Errorf("unknown role %q", *role)
	}
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("Service failed")
	}
	log.Info("Shutdown complete")
}

func newBlobStore(cfg *config.Config, log *logrus.Logger) (blobstore.Store, error) {
	switch cfg.Storage.Backend {
	case "minio":
		return blobstore.NewMinioStore(&blobstore.MinioConfig{
			Endpoint:  cfg.Storage.MinioEndpoint,
			AccessKey: cfg.Storage.MinioAccessKey,
			SecretKey: cfg.Storage.MinioSecretKey,
			Bucket:    cfg.Storage.MinioBucket,
			UseSSL:    cfg.Storage.MinioUseSSL,
		}, log)
	default:
		return blobstore.NewFilesystemStore(cfg.Storage.Path, log)
	}
}

func runWorker(ctx context.Context, cfg *config.Config, log *logrus.Logger,
	name string, shard int, listen string) error {

	blobs, err := newBlobStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	boxes := sandbox.NewIsolateService(cfg.Sandbox.TempDir, shard, cfg.Sandbox.KeepSandbox, log)
	boxes.Executable = cfg.Sandbox.Executable
	boxes.UseCgroups = cfg.Sandbox.UseCgroups

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	log.WithFields(logrus.Fields{"worker": name, "listen": listen}).Info("Worker serving")

	w := worker.New(name, cfg, blobs, boxes, log)
	return rpc.NewServer(w, log).Serve(ctx, ln)
}

func runEvaluation(ctx context.Context, cfg *config.Config, log *logrus.Logger, contestID int64) error {
	pool, err := database.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool, log); err != nil {
		return err
	}
	store := database.NewStore(pool, log)

	collector := metrics.NewCollector()

	var proxy *rankingproxy.Proxy
	var notifier scoring.Notifier
	if contestID != 0 && len(cfg.Rankings) > 0 {
		proxy, err = rankingproxy.New(cfg, store, contestID, log)
		if err != nil {
			return err
		}
		proxy.SetMetrics(collector)
		notifier = proxy
	}

	scorer := scoring.NewService(store, notifier, cfg.Scoring.SweepInterval, log)
	scorer.SetMetrics(collector)

	eval := evaluation.NewService(cfg, store, scorer, log)
	eval.SetMetrics(collector)
	for i, endpoint := range cfg.Workers {
		client := rpc.NewClient(fmt.Sprintf("worker-%d", i), endpoint.Addr(), log)
		if err := eval.AddWorker(client); err != nil {
			return err
		}
	}

	status := cache.NewStatusCache(cfg, log)
	defer status.Close()
	if err := status.Ping(ctx); err != nil {
		log.WithError(err).Warn("Redis unavailable, submission statuses go uncached")
		status = nil
	}

	api := httpapi.New(eval, proxy, store, status, collector, log)
	addr := cfg.Server.Host + ":" + cfg.Server.Port

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return eval.Run(ctx) })
	group.Go(func() error { return scorer.Run(ctx) })
	if proxy != nil {
		group.Go(func() error { return proxy.Run(ctx) })
	}
	group.Go(func() error { return api.Serve(ctx, addr) })

	log.WithField("listen", addr).Info("Evaluation service running")
	return group.Wait()
}
