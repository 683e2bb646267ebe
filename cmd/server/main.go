package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"stagecraft.dev/internal/ai"
	"stagecraft.dev/internal/assets"
	"stagecraft.dev/internal/catalog"
	"stagecraft.dev/internal/config"
	"stagecraft.dev/internal/deploylock"
	"stagecraft.dev/internal/editor"
	"stagecraft.dev/internal/fanout"
	"stagecraft.dev/internal/gametoken"
	"stagecraft.dev/internal/persistence/auditlog"
	"stagecraft.dev/internal/persistence/catalogdb"
	"stagecraft.dev/internal/persistence/worldsnap"
	"stagecraft.dev/internal/protocol"
	"stagecraft.dev/internal/roster"
	"stagecraft.dev/internal/transport/adminws"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		configPath = flag.String("config", "./configs/server.yaml", "config file path")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		worldID    = flag.String("world", "world_1", "world id")
		snapEvery  = flag.Duration("archive_every", time.Hour, "world archive interval (0 to disable)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	worldDir := filepath.Join(cfg.DataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(worldDir, "catalog.db")
	}
	db, err := catalogdb.Open(dbPath)
	if err != nil {
		logger.Fatalf("open catalog db: %v", err)
	}
	defer db.Close()

	cat := catalog.New(db)
	bps, ents, settings, err := db.Load()
	if err != nil {
		logger.Fatalf("load catalog: %v", err)
	}
	if len(bps) == 0 && len(ents) == 0 {
		// Fresh database. Fall back to the newest archive if one exists.
		if arch, ok := newestArchive(filepath.Join(worldDir, "archives"), *worldID, logger); ok {
			bps, ents, settings = arch.Blueprints, arch.Entities, arch.Settings
			if err := db.Apply(seedOps(bps, ents, settings)); err != nil {
				logger.Fatalf("restore archive: %v", err)
			}
			logger.Printf("restored archive commit_seq=%d taken_at=%s",
				arch.Header.CommitSeq, time.Unix(arch.Header.TakenAt, 0).Format(time.RFC3339))
		}
	}
	cat.Seed(bps, ents, settings)
	logger.Printf("catalog loaded: %d blueprints, %d entities", len(bps), len(ents))

	locks := deploylock.New(
		deploylock.WithStore(db),
		deploylock.WithTTL(cfg.Lock.DefaultTTL(), cfg.Lock.MaxTTL()),
	)
	rows, err := db.LoadLocks(time.Now())
	if err != nil {
		logger.Fatalf("load locks: %v", err)
	}
	restored := make([]deploylock.Lock, 0, len(rows))
	for _, row := range rows {
		restored = append(restored, deploylock.Lock{
			Scope:      row.Scope,
			Token:      row.Token,
			Owner:      row.Owner,
			AcquiredAt: row.AcquiredAt,
			ExpiresAt:  row.ExpiresAt,
		})
	}
	locks.Restore(restored)
	if len(restored) > 0 {
		logger.Printf("restored %d deploy locks", len(restored))
	}

	var mirror *assets.Mirror
	if cfg.Mirror.Endpoint != "" {
		client, err := assets.NewS3Client(cfg.Mirror.Endpoint, cfg.Mirror.Bucket, cfg.Mirror.AccessKey, cfg.Mirror.SecretKey)
		if err != nil {
			logger.Fatalf("init asset mirror: %v", err)
		}
		mirror = assets.NewMirror(client, cfg.Mirror.Prefix, cfg.Mirror.Workers, 1024, logger)
		defer mirror.Close()
	}
	assetsDir := cfg.AssetsDir
	if assetsDir == "" {
		assetsDir = filepath.Join(worldDir, "assets")
	}
	store, err := assets.NewStore(assetsDir, mirror)
	if err != nil {
		logger.Fatalf("open asset store: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	fan := fanout.New(cat.Snapshot, cfg.FlushInterval(), logger)
	cat.SetSink(fan.Publish)
	go fan.Run(ctx)

	ros := roster.New(fan)
	pipe := editor.New(cat, locks,
		editor.WithRoster(ros),
		editor.WithEntrySource(store),
		editor.WithLogger(logger),
	)

	audit := auditlog.New(worldDir)
	defer audit.Close()

	var issuer *gametoken.Issuer
	if cfg.Token.Secret != "" {
		issuer, err = gametoken.NewIssuer(cfg.Token.Secret, cfg.Token.TTL())
		if err != nil {
			logger.Fatalf("game token issuer: %v", err)
		}
	}

	var orch *ai.Orchestrator
	var broker adminws.AIBroker
	if cfg.AI.Endpoint != "" {
		provider := &ai.HTTPProvider{
			Endpoint: cfg.AI.Endpoint,
			APIKey:   cfg.AI.APIKey,
			Model:    cfg.AI.Model,
		}
		orch = ai.New(cat, pipe, locks, store, provider,
			ai.WithDeadline(cfg.AI.Deadline()),
			ai.WithDocsDir(cfg.AI.DocsDir),
			ai.WithLogger(logger),
		)
		broker = orch
	}

	srvOpts := adminws.Options{
		AdminCode: cfg.AdminCode,
		Queue:     cfg.SessionQueue,
		BaseURL:   cfg.PublicBaseURL,
		UploadMax: cfg.UploadMaxBytes(),
		DocsDir:   cfg.AI.DocsDir,
		Roster:    ros,
		Audit:     audit,
		AI:        broker,
		Assets:    store,
		Locks:     locks,
		Tokens:    issuer,
		State:     cat,
	}
	ws := adminws.NewServer(pipe, fan, logger, srvOpts)

	// Lock sweeper.
	go func() {
		tick := time.NewTicker(cfg.Lock.SweepEvery())
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				locks.Sweep()
			}
		}
	}()

	// Periodic world archive, plus one on shutdown.
	writeArchive := func() {
		path := filepath.Join(worldDir, "archives",
			fmt.Sprintf("%s-%d.world.zst", *worldID, cat.CommitSeq()))
		if err := worldsnap.Write(path, *worldID, cat.CommitSeq(), cat.Snapshot()); err != nil {
			logger.Printf("world archive: %v", err)
		} else {
			logger.Printf("world archive written: %s", filepath.Base(path))
		}
	}
	if *snapEvery > 0 {
		go func() {
			tick := time.NewTicker(*snapEvery)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					writeArchive()
				}
			}
		}()
	}

	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		nbp, nent := cat.Counts()

		fmt.Fprintf(rw, "# HELP stagecraft_catalog_records Catalog table sizes.\n")
		fmt.Fprintf(rw, "# TYPE stagecraft_catalog_records gauge\n")
		fmt.Fprintf(rw, "stagecraft_catalog_records{world=%q,table=%q} %d\n", *worldID, "blueprints", nbp)
		fmt.Fprintf(rw, "stagecraft_catalog_records{world=%q,table=%q} %d\n", *worldID, "entities", nent)

		fmt.Fprintf(rw, "# HELP stagecraft_commit_seq Sequence number of the latest catalog commit.\n")
		fmt.Fprintf(rw, "# TYPE stagecraft_commit_seq counter\n")
		fmt.Fprintf(rw, "stagecraft_commit_seq{world=%q} %d\n", *worldID, cat.CommitSeq())

		fmt.Fprintf(rw, "# HELP stagecraft_sessions Connected admin and game sessions.\n")
		fmt.Fprintf(rw, "# TYPE stagecraft_sessions gauge\n")
		fmt.Fprintf(rw, "stagecraft_sessions{world=%q} %d\n", *worldID, fan.SessionCount())

		fmt.Fprintf(rw, "# HELP stagecraft_dropped_frames Delta frames dropped to slow sessions.\n")
		fmt.Fprintf(rw, "# TYPE stagecraft_dropped_frames counter\n")
		fmt.Fprintf(rw, "stagecraft_dropped_frames{world=%q} %d\n", *worldID, fan.DroppedTotal())

		fmt.Fprintf(rw, "# HELP stagecraft_deploy_locks Active deploy locks.\n")
		fmt.Fprintf(rw, "# TYPE stagecraft_deploy_locks gauge\n")
		fmt.Fprintf(rw, "stagecraft_deploy_locks{world=%q} %d\n", *worldID, locks.Count())

		fmt.Fprintf(rw, "# HELP stagecraft_players Players on the roster.\n")
		fmt.Fprintf(rw, "# TYPE stagecraft_players gauge\n")
		fmt.Fprintf(rw, "stagecraft_players{world=%q} %d\n", *worldID, ros.Count())

		if orch != nil {
			fmt.Fprintf(rw, "# HELP stagecraft_ai_inflight AI requests currently generating.\n")
			fmt.Fprintf(rw, "# TYPE stagecraft_ai_inflight gauge\n")
			fmt.Fprintf(rw, "stagecraft_ai_inflight{world=%q} %d\n", *worldID, orch.InFlight())
		}
		if mirror != nil {
			st := mirror.Stats()
			fmt.Fprintf(rw, "# HELP stagecraft_mirror_uploads Asset mirror upload results.\n")
			fmt.Fprintf(rw, "# TYPE stagecraft_mirror_uploads counter\n")
			fmt.Fprintf(rw, "stagecraft_mirror_uploads{world=%q,result=%q} %d\n", *worldID, "ok", st.UploadSuccessTotal)
			fmt.Fprintf(rw, "stagecraft_mirror_uploads{world=%q,result=%q} %d\n", *worldID, "failed", st.UploadFailTotal)
		}
	})
	if envBool("SC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	writeArchive()
}

// newestArchive returns the archive with the highest commit sequence
// for the given world, if any exist under dir.
func newestArchive(dir, worldID string, logger *log.Logger) (worldsnap.ArchiveV1, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return worldsnap.ArchiveV1{}, false
	}
	var best string
	var bestSeq uint64
	found := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".world.zst") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		h, err := worldsnap.PeekHeader(path)
		if err != nil {
			logger.Printf("skip archive %s: %v", e.Name(), err)
			continue
		}
		if h.WorldID != worldID {
			continue
		}
		if !found || h.CommitSeq > bestSeq {
			best, bestSeq, found = path, h.CommitSeq, true
		}
	}
	if !found {
		return worldsnap.ArchiveV1{}, false
	}
	arch, err := worldsnap.Read(best)
	if err != nil {
		logger.Printf("read archive %s: %v", filepath.Base(best), err)
		return worldsnap.ArchiveV1{}, false
	}
	return arch, true
}

// seedOps expresses a full catalog as insert ops for the database.
func seedOps(bps []protocol.Blueprint, ents []protocol.Entity, settings protocol.Settings) []catalog.Op {
	ops := make([]catalog.Op, 0, len(bps)+len(ents)+1)
	for i := range bps {
		ops = append(ops, catalog.Op{Kind: protocol.MethodBlueprintAdded, Blueprint: &bps[i]})
	}
	for i := range ents {
		ops = append(ops, catalog.Op{Kind: protocol.MethodEntityAdded, Entity: &ents[i]})
	}
	ops = append(ops, catalog.Op{Kind: protocol.MethodSettingsChanged, Settings: &settings})
	return ops
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
