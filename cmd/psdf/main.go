package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/psdf/internal/config"
	"github.com/banshee-data/psdf/internal/monitor"
	"github.com/banshee-data/psdf/internal/monitoring"
	"github.com/banshee-data/psdf/internal/pipeline"
	"github.com/banshee-data/psdf/internal/psdf"
	"github.com/banshee-data/psdf/internal/psdf/transform"
	"github.com/banshee-data/psdf/internal/psdfdb"
	"github.com/banshee-data/psdf/internal/security"
	"github.com/banshee-data/psdf/internal/source"
	"github.com/banshee-data/psdf/internal/timeutil"
	"github.com/banshee-data/psdf/internal/version"
	"github.com/banshee-data/psdf/internal/visualiser"
)

var (
	configPath      = flag.String("config", "", "Fusion config JSON (defaults to "+config.DefaultConfigPath+")")
	cameraPath      = flag.String("camera", "config/cam_info.example.json", "Camera calibration JSON")
	dbPath          = flag.String("db", "psdf.db", "SQLite database for volume snapshots (empty disables persistence)")
	listen          = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen      = flag.String("grpc-listen", visualiser.DefaultConfig().ListenAddr, "gRPC map service listen address (empty disables)")
	volumeID        = flag.String("volume-id", "default", "Volume identifier")
	synthetic       = flag.Bool("synthetic", true, "Feed the volume from the built-in synthetic scene")
	syntheticFrames = flag.Int("synthetic-frames", 0, "Stop the synthetic source after this many frames (0 = unlimited)")
	fps             = flag.Float64("fps", 10, "Frame rate of the synthetic source")
	show            = flag.Bool("show", false, "Publish preview images and point clouds with every map")
	persistInterval = flag.Duration("persist-interval", 0, "Snapshot interval (0 uses the config value)")
	snapshotKeep    = flag.Int("snapshot-keep", 20, "Snapshots kept per volume on shutdown (0 keeps all)")
	exportDir       = flag.String("export-dir", "", "Write the final surface mesh as OBJ into this directory on shutdown")
	restore         = flag.Bool("restore", true, "Restore the latest snapshot of the volume on startup")
	logJSON         = flag.Bool("log-json", false, "Emit structured JSON logs")
	logLevel        = flag.String("log-level", "info", "Log level for structured logs")
	watch           = flag.String("watch", "", "Print frames streamed by a running map service at this address and exit")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

func loadFusionConfig(path string) (*config.FusionConfig, error) {
	if path == "" {
		return config.MustLoadDefaultConfig(), nil
	}
	return config.LoadFusionConfig(path)
}

// effectiveInterval picks the flag value over the config value; a
// non-positive result disables the persist loop.
func effectiveInterval(flagValue time.Duration, cfg *config.FusionConfig) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return cfg.GetPersistInterval()
}

func frameInterval(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

// exportSurface writes the volume's iso-surface to dir/<volume id>.obj.
func exportSurface(mgr *psdf.VolumeManager, dir string) (string, error) {
	path, err := security.ExportPath(dir, mgr.VolumeID, ".obj")
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := mgr.ExtractSurface().WriteOBJ(f); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// watchMaps prints one line per streamed map frame until ctx ends, the
// server closes the stream, or limit frames arrived (0 = no limit).
func watchMaps(ctx context.Context, target string, w io.Writer, limit int) error {
	client, err := visualiser.Dial(target)
	if err != nil {
		return err
	}
	defer client.Close()

	stream, err := client.StreamMaps(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", target, err)
	}
	for n := 0; limit == 0 || n < limit; n++ {
		f, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintf(w, "frame=%d volume=%s ts=%s map=%dx%d surface_points=%d\n",
			f.FrameID, f.VolumeID, time.Unix(0, f.TimestampNanos).UTC().Format(time.RFC3339Nano),
			f.PointMap.Height, f.PointMap.Width, len(f.SurfacePoints))
	}
	return nil
}

func setupLogging() error {
	if !*logJSON {
		return nil
	}
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	l := monitoring.NewZerolog(os.Stderr, level)
	monitoring.SetLogger(monitoring.ZerologLogf(l))
	log.SetFlags(0)
	log.SetOutput(l)
	return nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("psdf"))
		return
	}
	if err := setupLogging(); err != nil {
		log.Fatal(err)
	}
	if *watch != "" {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := watchMaps(ctx, *watch, os.Stdout, 0); err != nil {
			log.Fatalf("watch failed: %v", err)
		}
		return
	}
	if *volumeID == "" {
		log.Fatal("Volume ID is required")
	}

	cfg, err := loadFusionConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load fusion config: %v", err)
	}
	ci, err := config.LoadCameraInfo(*cameraPath)
	if err != nil {
		log.Fatalf("failed to load camera info: %v", err)
	}

	opts, err := psdf.ManagerOptionsFromConfig(cfg, ci)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	var db *psdfdb.DB
	if *dbPath != "" {
		db, err = psdfdb.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()
		opts.Store = db
	}

	mgr, err := psdf.NewVolumeManager(*volumeID, opts)
	if err != nil {
		log.Fatalf("failed to create volume: %v", err)
	}
	if db != nil {
		cfgJSON, _ := json.Marshal(cfg)
		if err := db.InsertSession(mgr.SessionID, mgr.VolumeID, time.Now().UnixNano(), string(cfgJSON)); err != nil {
			log.Printf("failed to record session: %v", err)
		}
		if *restore {
			ok, err := mgr.RestoreLatest()
			if err != nil {
				log.Printf("failed to restore volume %s: %v", mgr.VolumeID, err)
			} else if ok {
				log.Printf("restored volume %s from its latest snapshot", mgr.VolumeID)
			}
		}
	}

	var publisher *visualiser.Publisher
	if *grpcListen != "" {
		pcfg := visualiser.DefaultConfig()
		pcfg.ListenAddr = *grpcListen
		publisher = visualiser.NewPublisher(pcfg)
		visualiser.NewServer(publisher, mgr, mgr.PersistCallback).Register()
		if err := publisher.Start(); err != nil {
			log.Fatalf("failed to start map service: %v", err)
		}
		defer publisher.Stop()
	}

	nodeOpts := pipeline.NodeOptions{Show: *show}
	if publisher != nil {
		nodeOpts.Publisher = publisher
	}
	node, err := pipeline.NewNode(mgr, ci, nodeOpts)
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *synthetic {
		in, err := psdf.IntrinsicsFromCameraInfo(ci)
		if err != nil {
			log.Fatalf("invalid camera intrinsics: %v", err)
		}
		sopts := source.DefaultSyntheticOptions()
		sopts.MaxFrames = *syntheticFrames
		sopts.WithColor = mgr.Volume.HasColor()
		src, err := source.NewSynthetic(in, transform.Transform(ci.CamToTool0), sopts)
		if err != nil {
			log.Fatalf("failed to create synthetic source: %v", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := node.Run(ctx, src, timeutil.RealClock{}, frameInterval(*fps)); err != nil {
				log.Printf("pipeline stopped: %v", err)
			}
			log.Print("pipeline routine terminated")
		}()
	}

	persistStop := make(chan struct{})
	if interval := effectiveInterval(*persistInterval, cfg); mgr.PersistCallback != nil && interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.RunPersistLoop(interval, persistStop)
			log.Print("persist routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address:   *listen,
			VolumeID:  mgr.VolumeID,
			DB:        db,
			Publisher: publisher,
		})
		if err := ws.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("web server stopped: %v", err)
			stop()
		}
		log.Print("HTTP server routine terminated")
	}()

	<-ctx.Done()
	close(persistStop)
	wg.Wait()

	if mgr.PersistCallback != nil {
		if err := mgr.PersistCallback("shutdown"); err != nil {
			log.Printf("failed to persist volume on shutdown: %v", err)
		}
		if *snapshotKeep > 0 {
			if n, err := db.PruneVolumeSnapshots(mgr.VolumeID, *snapshotKeep); err != nil {
				log.Printf("failed to prune snapshots: %v", err)
			} else if n > 0 {
				log.Printf("pruned %d old snapshots of volume %s", n, mgr.VolumeID)
			}
		}
	}
	if *exportDir != "" {
		if path, err := exportSurface(mgr, *exportDir); err != nil {
			log.Printf("failed to export surface: %v", err)
		} else {
			log.Printf("exported surface of volume %s to %s", mgr.VolumeID, path)
		}
	}
	log.Print("graceful shutdown complete")
}
