package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cloudfs/cloudfs/internal/logger"
	"github.com/cloudfs/cloudfs/pkg/chunker"
	"github.com/cloudfs/cloudfs/pkg/cloudgateway"
	"github.com/cloudfs/cloudfs/pkg/config"
	"github.com/cloudfs/cloudfs/pkg/fusehost"
	"github.com/cloudfs/cloudfs/pkg/migrator"
	"github.com/cloudfs/cloudfs/pkg/pathmap"
	"github.com/cloudfs/cloudfs/pkg/segmentcache"
	"github.com/cloudfs/cloudfs/pkg/segmentstore"
	"github.com/cloudfs/cloudfs/pkg/tiercontroller"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Mount the CloudFS filesystem",
	Long: `Mount the CloudFS tiered local/cloud filesystem at the configured
mount point.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/cloudfs/config.yaml.

Examples:
  # Start in background (default)
  cloudfs start

  # Start in foreground
  cloudfs start --foreground

  # Start with custom config file
  cloudfs start --config /etc/cloudfs/config.yaml

  # Start with environment variable overrides
  CLOUDFS_LOGGING_LEVEL=DEBUG cloudfs start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/cloudfs/cloudfs.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/cloudfs/cloudfs.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Println("CloudFS - tiered local/cloud filesystem")
	logger.Info("configuration loaded", "ssd_root", cfg.SSDRoot, "fuse_mount", cfg.FuseMount, "hostname", cfg.Hostname)

	metricsResult := config.InitializeMetrics(cfg)
	defer func() {
		if err := config.ShutdownMetrics(context.Background(), metricsResult); err != nil {
			logger.Error("metrics shutdown error", "error", err)
		}
	}()

	server, err := buildAndMount(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverDone := make(chan error, 1)
	go func() {
		server.Wait()
		serverDone <- nil
	}()

	logger.Info("mounted, press Ctrl+C to unmount", "mountpoint", cfg.FuseMount)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, unmounting")
		if err := server.Unmount(); err != nil {
			logger.Error("unmount error", "error", err)
			return err
		}
		<-serverDone
		logger.Info("unmounted cleanly")
	case <-serverDone:
		logger.Info("filesystem unmounted externally")
	}

	return nil
}

// buildAndMount wires PathMap, SegmentStore, SegmentCache, CloudGateway,
// Chunker, Migrator and TierController together from cfg and mounts the
// result at cfg.FuseMount.
func buildAndMount(ctx context.Context, cfg *config.Config) (*fuse.Server, error) {
	afs := afero.NewOsFs()

	pm := pathmap.New(cfg.SSDRoot, cfg.FuseMount)

	if err := afs.MkdirAll(cfg.SSDRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating ssd root: %w", err)
	}
	if err := afs.MkdirAll(pm.CacheDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	store := segmentstore.New(afs, pm.HashTable())
	reloaded, err := store.Reload()
	if err != nil {
		return nil, fmt.Errorf("loading segment table: %w", err)
	}
	logger.Info("segment table loaded", "segments", len(reloaded))

	var cacheBudget uint64
	if !cfg.NoCache {
		cacheBudget = uint64(cfg.CacheSize)
	}
	cache := segmentcache.New(afs, pm, cacheBudget)
	if cfg.NoCache {
		cache.Disable()
	} else {
		for _, hash := range reloaded {
			entry, ok := store.Get(hash)
			if !ok {
				continue
			}
			if info, statErr := afs.Stat(pm.Cache(hash)); statErr == nil && !info.IsDir() {
				cache.RestoreLRU(hash, uint64(entry.Length))
			}
		}
	}

	gateway, err := buildGateway(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := cloudgateway.EnsureBucket(ctx, gateway, cfg.Hostname); err != nil {
		return nil, fmt.Errorf("ensuring cloud bucket: %w", err)
	}

	chunkerCfg := chunker.NewConfig(uint(cfg.AvgSegSize), cfg.RabinWindow)
	ch, err := chunker.New(chunkerCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing chunker: %w", err)
	}

	// §4.5: if the cache budget can't even hold one max-size segment, the
	// cache is disabled for the lifetime of the mount rather than churning
	// make-room evictions that never succeed.
	if !cfg.NoCache && cacheBudget < uint64(chunkerCfg.Max) {
		logger.Warn("cache_size below max segment size, disabling segment cache for this mount",
			"cache_size", cacheBudget, "max_seg_size", chunkerCfg.Max)
		cache.Disable()
	}

	mig := migrator.New(afs, pm, store, gateway, ch, cfg.NoCompress, cfg.NoDedup)

	tcCfg := tiercontroller.Config{
		Threshold:  int64(cfg.Threshold),
		MaxSegSize: int64(chunkerCfg.Max),
		NoCache:    cfg.NoCache,
		NoCompress: cfg.NoCompress,
	}
	tc := tiercontroller.New(afs, pm, store, cache, gateway, mig, tcCfg)

	uid, gid := processOwner()
	host := fusehost.New(tc, afs, pm, uid, gid)

	if err := afs.MkdirAll(cfg.FuseMount, 0755); err != nil {
		return nil, fmt.Errorf("creating mount point: %w", err)
	}

	return fusehost.Mount(host, cfg.FuseMount, fusehost.MountOptions{})
}

// buildGateway selects the S3 gateway when a cloud endpoint or access key
// is configured, falling back to an in-memory gateway (for local
// smoke-testing without a real object store) when both are empty.
func buildGateway(ctx context.Context, cfg *config.Config) (cloudgateway.Gateway, error) {
	if cfg.Cloud.Endpoint == "" && cfg.Cloud.AccessKeyID == "" {
		logger.Warn("no cloud endpoint configured, using in-memory gateway (cloud tier is not durable)")
		gw := cloudgateway.NewMemGateway()
		return gw, nil
	}

	return cloudgateway.NewS3Gateway(ctx, cloudgateway.S3Config{
		Endpoint:        cfg.Cloud.Endpoint,
		Region:          cfg.Cloud.Region,
		AccessKeyID:     cfg.Cloud.AccessKeyID,
		SecretAccessKey: cfg.Cloud.SecretAccessKey,
		UsePathStyle:    cfg.Cloud.UsePathStyle,
	})
}

// processOwner returns the uid/gid reported for every inode. All CloudFS
// files are owned by the user running the daemon; per-file ownership is
// not part of the data model.
func processOwner() (uint32, uint32) {
	u, err := user.Current()
	if err != nil {
		return 0, 0
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		uid = 0
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		gid = 0
	}
	return uint32(uid), uint32(gid)
}
