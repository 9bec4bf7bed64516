package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vidsurvey/vidsurvey/internal/catalog"
	"github.com/vidsurvey/vidsurvey/internal/database"
	"github.com/vidsurvey/vidsurvey/internal/geoip"
	"github.com/vidsurvey/vidsurvey/internal/playlist"
	"github.com/vidsurvey/vidsurvey/internal/rating"
	"github.com/vidsurvey/vidsurvey/internal/server"
	"github.com/vidsurvey/vidsurvey/internal/session"
	"github.com/vidsurvey/vidsurvey/internal/stream"
)

const (
	mainPool        = "videos"
	practicePool    = "practice"
	calibrationPool = "calibration"
)

func main() {
	port := getEnv("PORT", "8080")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	sessionSecret := os.Getenv("SESSION_SECRET")
	if sessionSecret == "" {
		log.Fatal("SESSION_SECRET is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(databaseURL); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}
	log.Println("database migrations applied")

	videoRoot := getEnv("VIDEO_ROOT", "./videos")
	practiceRoot := getEnv("PRACTICE_ROOT", "./practice")
	calibrationRoot := getEnv("CALIBRATION_ROOT", "./calibration")

	roots := map[string]string{
		mainPool:        videoRoot,
		practicePool:    practiceRoot,
		calibrationPool: calibrationRoot,
	}

	sources, cats, err := buildPools(ctx, roots)
	if err != nil {
		log.Fatalf("clip pool setup failed: %v", err)
	}

	geoReader := geoip.Open(os.Getenv("GEOIP_DB_PATH"))
	defer geoReader.Close()

	sink := rating.NewSink(db.Pool, geoReader)
	streamHandler := stream.NewHandler(sources)

	protocol := session.Protocol(getEnv("RATING_PROTOCOL", string(session.ProtocolScale)))
	if protocol != session.ProtocolScale && protocol != session.ProtocolDirection {
		log.Fatalf("unknown RATING_PROTOCOL %q", protocol)
	}

	mgr := session.NewManager(session.Config{
		Sink:         sink,
		Prober:       streamHandler,
		Catalogs:     cats,
		MainPool:     mainPool,
		PracticePool: practicePool,
		Calibration: playlist.Calibration{
			Filename: getEnv("CALIBRATION_CLIP", "VideoLast_Ai.mp4"),
			Pool:     calibrationPool,
		},
		TargetCount: int(getEnvInt64("NUM_TEST_VIDEOS", 20)),
		Protocol:    protocol,
		Secret:      sessionSecret,
	})
	defer mgr.Close()

	var webFS fs.FS
	if webRoot := getEnv("WEB_ROOT", "./public"); dirExists(webRoot) {
		webFS = os.DirFS(webRoot)
		log.Printf("serving survey shell from %s", webRoot)
	} else {
		log.Println("no web root found, shell serving disabled")
	}

	srv := server.New(server.Config{
		DB:            db.Pool,
		Pinger:        db,
		Stream:        streamHandler,
		Sessions:      session.NewHandler(mgr, sink),
		Sink:          sink,
		VideoRoot:     videoRoot,
		PracticeRoot:  practiceRoot,
		ExportKeyHash: os.Getenv("EXPORT_API_KEY_HASH"),
		WebFS:         webFS,
		BaseURL:       getEnv("BASE_URL", "http://localhost:8080"),
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("vidsurvey listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-shutdownCh
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
	log.Println("shutdown complete")
}

// buildPools wires each clip pool to local disk or, when named in S3_POOLS,
// to an S3 bucket under a key prefix matching the pool name.
func buildPools(ctx context.Context, roots map[string]string) (map[string]stream.Source, session.Catalogs, error) {
	s3Pools := map[string]bool{}
	for _, name := range strings.Split(os.Getenv("S3_POOLS"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			s3Pools[name] = true
		}
	}

	sources := make(map[string]stream.Source, len(roots))
	cats := poolCatalogs{}

	var s3Sources map[string]*stream.S3Source
	if len(s3Pools) > 0 {
		c, err := stream.NewS3Client(ctx, stream.S3Config{
			Endpoint:  getEnv("S3_ENDPOINT", "http://localhost:3900"),
			Bucket:    getEnv("S3_BUCKET", "vidsurvey"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Region:    getEnv("S3_REGION", "eu-central-1"),
		})
		if err != nil {
			return nil, nil, err
		}
		bucket := getEnv("S3_BUCKET", "vidsurvey")
		s3Sources = make(map[string]*stream.S3Source, len(s3Pools))
		for name := range s3Pools {
			src := stream.NewS3Source(c, bucket, name)
			s3Sources[name] = src
			sources[name] = src
		}
		log.Printf("S3-backed pools: %s", strings.Join(sortedKeys(s3Pools), ", "))
	}

	for name, root := range roots {
		if s3Pools[name] {
			continue
		}
		src, err := stream.NewDirSource(root)
		if err != nil {
			return nil, nil, fmt.Errorf("pool %s: %w", name, err)
		}
		sources[name] = src
	}

	cats.main = poolLister(s3Sources[mainPool], roots[mainPool])
	cats.practice = poolLister(s3Sources[practicePool], roots[practicePool])
	return sources, cats, nil
}

// poolCatalogs adapts per-pool listing functions to the session machine.
type poolCatalogs struct {
	main     func() []string
	practice func() []string
}

func (c poolCatalogs) Main() []string     { return c.main() }
func (c poolCatalogs) Practice() []string { return c.practice() }

func poolLister(s3src *stream.S3Source, root string) func() []string {
	if s3src == nil {
		return func() []string { return catalog.List(root) }
	}
	return func() []string {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		names, err := s3src.List(ctx)
		if err != nil {
			log.Printf("listing S3 pool failed: %v", err)
			return []string{}
		}
		clips := names[:0]
		for _, name := range names {
			if catalog.IsVideo(name) {
				clips = append(clips, name)
			}
		}
		return clips
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
