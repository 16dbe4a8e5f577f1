package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/filepi/cmd"
	"github.com/mordilloSan/filepi/internal/version"
)

func main() {
	var (
		rootDir        = flag.String("root", "", "Directory to serve (overrides FILE_PI_ROOT_DIR; defaults to the working directory)")
		listenAddr     = flag.String("listen", "", "TCP address to listen on (overrides FILE_PI_LISTEN; defaults to :8080, - disables)")
		socketPath     = flag.String("socket-path", "", "Optional unix socket path")
		dbPath         = flag.String("db-path", "", "Thumbnail catalog path (overrides FILE_PI_DB_PATH; defaults to $XDG_CACHE_HOME/filepi/<root hash>.db)")
		ffmpegPath     = flag.String("ffmpeg", "", "ffmpeg binary (overrides FILE_PI_FFMPEG)")
		thumbWorkers   = flag.Int("thumb-workers", runtime.NumCPU(), "Concurrent thumbnail generations")
		walkTimeout    = flag.String("walk-timeout", "0", "Limit for one listing or search walk (Go duration); 0 disables")
		thumbTimeout   = flag.String("thumb-timeout", "60s", "Limit for one thumbnail generation (Go duration)")
		maxUpload      = flag.String("max-upload", "0", "Largest accepted upload (e.g. 4GB); 0 disables")
		watchThumbs    = flag.Bool("watch-thumbnails", false, "Evict thumbnails when their source changes")
		revalidate     = flag.Bool("revalidate-thumbnails", false, "Regenerate thumbnails whose source mtime or size changed")
		strictSymlinks = flag.Bool("strict-symlinks", false, "Reject paths whose resolved location leaves the root")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
		showVersion    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger.Init("production", *verbose || strings.EqualFold(os.Getenv("FILE_PI_LOGLEVEL"), "DEBUG"))

	wd, _ := os.Getwd()
	rootVal := coalesce(*rootDir, os.Getenv("FILE_PI_ROOT_DIR"), wd)
	if info, err := os.Stat(rootVal); err != nil || !info.IsDir() {
		logger.Fatalf("Root directory %q does not exist or is not a directory", rootVal)
	}

	listenVal := coalesce(*listenAddr, os.Getenv("FILE_PI_LISTEN"), ":8080")
	if listenVal == "-" {
		listenVal = ""
	}

	walkLimit, err := parseDuration(*walkTimeout)
	if err != nil {
		logger.Warnf("Invalid walk timeout %q, defaulting to 0 (disabled): %v", *walkTimeout, err)
		walkLimit = 0
	}
	thumbLimit, err := parseDuration(*thumbTimeout)
	if err != nil {
		logger.Warnf("Invalid thumbnail timeout %q, using the default: %v", *thumbTimeout, err)
		thumbLimit = 0
	}
	uploadLimit, err := parseSize(*maxUpload)
	if err != nil {
		logger.Warnf("Invalid upload limit %q, defaulting to 0 (unlimited): %v", *maxUpload, err)
		uploadLimit = 0
	}

	cfg := cmd.DaemonConfig{
		RootDir:              rootVal,
		ListenAddr:           listenVal,
		SocketPath:           *socketPath,
		DBPath:               coalesce(*dbPath, os.Getenv("FILE_PI_DB_PATH")),
		FFmpegPath:           coalesce(*ffmpegPath, os.Getenv("FILE_PI_FFMPEG"), "ffmpeg"),
		ThumbnailWorkers:     *thumbWorkers,
		WalkTimeout:          walkLimit,
		ThumbnailTimeout:     thumbLimit,
		MaxUploadBytes:       uploadLimit,
		WatchThumbnails:      *watchThumbs,
		RevalidateThumbnails: *revalidate,
		StrictSymlinks:       *strictSymlinks,
	}

	d, err := cmd.NewDaemon(cfg)
	if err != nil {
		logger.Fatalf("Failed to start daemon: %v", err)
	}
	defer d.Close()

	listenDisplay := cfg.ListenAddr
	if listenDisplay == "" {
		listenDisplay = "disabled"
	}
	uploadDisplay := "unlimited"
	if cfg.MaxUploadBytes > 0 {
		uploadDisplay = humanize.Bytes(uint64(cfg.MaxUploadBytes))
	}
	logger.Infof("%s initialized root=%s listen=%s socket=%s ffmpeg=%s workers=%d maxUpload=%s watch=%t revalidate=%t strictSymlinks=%t",
		version.String(), cfg.RootDir, listenDisplay, cfg.SocketPath, cfg.FFmpegPath, cfg.ThumbnailWorkers,
		uploadDisplay, cfg.WatchThumbnails, cfg.RevalidateThumbnails, cfg.StrictSymlinks)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Fatalf("Daemon exited with error: %v", err)
		}
	}

	logger.Infof("Shutdown complete")
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func parseSize(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
