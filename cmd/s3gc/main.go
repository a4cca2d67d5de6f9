// Command s3gc is the process entrypoint: it parses configuration, wires
// every component, and runs either the long-lived service (admin HTTP
// surface, CDC ingester, scheduled GC cycles) or a one-shot registry
// rebuild. A thin `kong.Parse` + `ctx.Run()` wrapper dispatches to a
// Globals-plus-subcommands tree, since this binary has two distinct modes
// of operation.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/block/s3gc/pkg/admin"
	"github.com/block/s3gc/pkg/cdc"
	"github.com/block/s3gc/pkg/config"
	"github.com/block/s3gc/pkg/dbconn"
	"github.com/block/s3gc/pkg/dbverify"
	"github.com/block/s3gc/pkg/gc"
	"github.com/block/s3gc/pkg/metrics"
	"github.com/block/s3gc/pkg/objstore"
	"github.com/block/s3gc/pkg/registry"
	"github.com/block/s3gc/pkg/restore"
	"github.com/block/s3gc/pkg/s3gcerr"
	"github.com/block/s3gc/pkg/vault"
)

// ServeCmd runs the long-lived service: admin HTTP surface, CDC ingester,
// and (if configured) a scheduled daily GC cycle. It blocks until it
// receives SIGINT/SIGTERM, then shuts down every component in turn.
type ServeCmd struct {
	HTTPAddr string `name:"http-addr" env:"S3GC_HTTP_ADDR" help:"Admin HTTP surface listen address." default:":8080"`
}

// RebuildRegistryCmd runs a one-shot full-database scan that replaces the
// registry's counts for every key it observes, then exits. This is the
// only way a rebuild ever runs — there is no automatic scheduling and no
// admin HTTP endpoint for it, since an operator should consciously choose
// to run a full scan rather than have one triggered by a stray HTTP
// request.
type RebuildRegistryCmd struct{}

func main() {
	var cli struct {
		config.CLI
		Serve           ServeCmd           `cmd:"" default:"1" help:"Run the GC service."`
		RebuildRegistry RebuildRegistryCmd `cmd:"" name:"rebuild-registry" help:"Run a one-shot full-scan registry rebuild and exit."`
	}

	kctx := kong.Parse(&cli)

	logger := logrus.New()

	overlay, err := config.LoadTOML(cli.ConfigFile)
	if err != nil {
		logger.Errorf("loading config: %v", err)
		os.Exit(1)
	}
	cfg, err := config.FromCLI(&cli.CLI, overlay)
	if err != nil {
		logger.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	switch kctx.Command() {
	case "rebuild-registry":
		if err := runRebuildRegistry(context.Background(), cfg, logger); err != nil {
			logger.Errorf("rebuild-registry: %v", err)
			os.Exit(exitCodeFor(err))
		}
		os.Exit(0)
	default:
		if err := cli.Serve.run(cfg, logger); err != nil {
			logger.Errorf("serve: %v", err)
			os.Exit(exitCodeFor(err))
		}
		os.Exit(0)
	}
}

// exitCodeFor maps an s3gcerr.Kind to the process's exit codes.
func exitCodeFor(err error) int {
	if s3gcerr.Is(err, s3gcerr.ConfigurationError) {
		return 1
	}
	if s3gcerr.Is(err, s3gcerr.Cancelled) {
		return 3
	}
	return 2
}

// state holds every long-lived handle Initialize opens, so Shutdown can
// release them on every exit path regardless of which one failed.
type state struct {
	registry *registry.Registry
	vault    *vault.Vault
	store    objstore.Store
	sqlDB    *sql.DB
	pgPool   *pgxpool.Pool
}

func (s *state) Shutdown() {
	if s.pgPool != nil {
		s.pgPool.Close()
	}
	if s.sqlDB != nil {
		_ = s.sqlDB.Close()
	}
	if s.vault != nil {
		_ = s.vault.Close()
	}
	if s.registry != nil {
		_ = s.registry.Close()
	}
}

// initialize opens the registry, vault, and object store, and — if a CDC
// backend is configured — the companion SQL connection the ingester and
// direct-verification path need. It returns a fully populated state on
// success; on any failure every handle opened so far is released before
// returning, so a partial Initialize never leaks a connection.
func initialize(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*state, error) {
	st := &state{}

	reg, err := registry.Open(cfg.VaultPath+"/registry.db", logger)
	if err != nil {
		st.Shutdown()
		return nil, s3gcerr.New(s3gcerr.ConfigurationError, "opening registry", err)
	}
	st.registry = reg

	v, err := vault.Open(cfg.VaultPath, logger)
	if err != nil {
		st.Shutdown()
		return nil, s3gcerr.New(s3gcerr.ConfigurationError, "opening vault", err)
	}
	st.vault = v

	store, err := objstore.NewS3Store(ctx, cfg.Bucket, cfg.Region, objstore.EndpointOptions{
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretKey,
		ForcePathStyle:  cfg.S3ForcePathStyle,
	})
	if err != nil {
		st.Shutdown()
		return nil, err
	}
	st.store = store

	switch cfg.CDCBackend {
	case config.CDCBackendMySQL:
		db, err := dbconn.New(cfg.CDCConnectionURL, dbconn.NewDBConfig())
		if err != nil {
			st.Shutdown()
			return nil, s3gcerr.New(s3gcerr.ConfigurationError, "connecting to MySQL", err)
		}
		st.sqlDB = db
	case config.CDCBackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.CDCConnectionURL)
		if err != nil {
			st.Shutdown()
			return nil, s3gcerr.New(s3gcerr.ConfigurationError, "connecting to Postgres", err)
		}
		st.pgPool = pool
	}

	return st, nil
}

func (s ServeCmd) run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := initialize(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Shutdown()

	sink := metrics.PrometheusSink{}

	var verifier dbverify.Verifier
	switch cfg.CDCBackend {
	case config.CDCBackendMySQL:
		verifier = &dbverify.MySQLVerifier{DB: st.sqlDB, DBConfig: dbconn.NewDBConfig(), Watched: cfg.WatchedColumns}
	case config.CDCBackendPostgres:
		verifier = &dbverify.PostgresVerifier{Pool: st.pgPool, Watched: cfg.WatchedColumns}
	}

	orch := &gc.Orchestrator{
		Registry: st.registry,
		Vault:    st.vault,
		Store:    st.store,
		Verifier: verifier,
		Config:   cfg,
		Logger:   logger,
		Metrics:  sink,
	}
	restoreEngine := &restore.Engine{Vault: st.vault, Store: st.store, WorkerConcurrency: cfg.WorkerConcurrency, Metrics: sink, Logger: logger}
	aggregator := &metrics.Aggregator{Vault: st.vault}

	var cdcRunning atomicBool
	adminSrv := &admin.Server{
		Orchestrator: orch,
		Restore:      restoreEngine,
		Aggregator:   aggregator,
		Vault:        st.vault,
		Store:        st.store,
		Config:       cfg,
		Metrics:      sink,
		Logger:       logger,
	}
	if cfg.CDCBackend != config.CDCBackendNone {
		adminSrv.CDCConnected = cdcRunning.Load
	}

	httpServer := &http.Server{Addr: s.HTTPAddr, Handler: adminSrv.Handler()}
	httpErr := make(chan error, 1)
	go func() {
		logger.Infof("admin HTTP surface listening on %s", s.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	cdcDone := make(chan error, 1)
	if cfg.CDCBackend != config.CDCBackendNone {
		go func() {
			cdcRunning.Store(true)
			defer cdcRunning.Store(false)
			cdcDone <- runCDC(ctx, cfg, st, logger)
		}()
	}

	scheduleDone := make(chan struct{})
	if cfg.ScheduleCron != "" {
		go runScheduler(ctx, cfg, orch, logger, scheduleDone)
	} else {
		close(scheduleDone)
	}

	var runErr error
	cdcConsumed := false
	select {
	case <-ctx.Done():
	case runErr = <-httpErr:
		cancel()
	case runErr = <-cdcDone:
		cdcConsumed = true
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	<-scheduleDone
	if cfg.CDCBackend != config.CDCBackendNone && !cdcConsumed {
		<-cdcDone
	}
	// An ingester unwound by the shutdown signal is a clean exit, not a
	// service failure.
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	if runErr != nil {
		return fmt.Errorf("service exited on error: %w", runErr)
	}
	return nil
}

// runCDC builds the configured CDC source, resumes from its last
// persisted checkpoint (if any), and applies every batch it decodes to
// the registry until ctx is cancelled.
func runCDC(ctx context.Context, cfg *config.Config, st *state, logger *logrus.Logger) error {
	var source cdc.Source
	switch cfg.CDCBackend {
	case config.CDCBackendPostgres:
		source = &cdc.PostgresSource{
			ConnString: cfg.CDCConnectionURL,
			Bucket:     cfg.Bucket,
			Watched:    cfg.WatchedColumns,
			Logger:     logger,
			Metrics:    metrics.PrometheusSink{},
		}
	case config.CDCBackendMySQL:
		dsnCfg, err := mysql.ParseDSN(cfg.CDCConnectionURL)
		if err != nil {
			return s3gcerr.New(s3gcerr.ConfigurationError, "parsing MySQL DSN for binlog source", err)
		}
		host, port := splitAddr(dsnCfg.Addr)
		source = &cdc.MySQLSource{
			DB:       st.sqlDB,
			DBConfig: dbconn.NewDBConfig(),
			Host:     host,
			Port:     port,
			User:     dsnCfg.User,
			Password: dsnCfg.Passwd,
			ServerID: replicaServerID(cfg.Bucket),
			Watched:  cfg.WatchedColumns,
			Logger:   logger,
			Metrics:  metrics.PrometheusSink{},
		}
	default:
		return nil
	}

	resume, resumeOK, err := st.registry.LastCheckpoint(ctx, source.Stream())
	if err != nil {
		return err
	}

	return source.Run(ctx, resume, resumeOK, func(batch cdc.Batch) error {
		return st.registry.ApplyBatch(ctx, batch.Deltas, batch.Checkpoint)
	})
}

// splitAddr breaks a go-sql-driver "host:port" address apart, defaulting
// the port to 3306 when the DSN omits it.
func splitAddr(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 3306
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return host, 3306
	}
	return host, uint16(port)
}

// replicaServerID derives a stable, nonzero replica server id from the
// bucket so two s3gc instances watching different buckets on the same
// primary don't collide, mirroring how the Postgres path derives its slot
// name from the bucket.
func replicaServerID(bucket string) uint32 {
	return crc32.ChecksumIEEE([]byte(bucket)) | 1
}

// runScheduler fires one GC cycle a day at cfg.ScheduleCron ("HH:MM" UTC)
// until ctx is cancelled.
func runScheduler(ctx context.Context, cfg *config.Config, orch *gc.Orchestrator, logger *logrus.Logger, done chan struct{}) {
	defer close(done)
	hour, minute, err := config.ParseScheduleHHMM(cfg.ScheduleCron)
	if err != nil {
		logger.Errorf("scheduler: %v", err)
		return
	}
	for {
		wait := nextOccurrence(time.Now().UTC(), hour, minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if _, err := orch.Run(ctx); err != nil && !s3gcerr.Is(err, s3gcerr.CycleBusy) {
			logger.Errorf("scheduled cycle failed: %v", err)
		}
	}
}

func nextOccurrence(now time.Time, hour, minute int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func runRebuildRegistry(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	st, err := initialize(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Shutdown()

	var entries []registry.RebuildEntry
	switch cfg.CDCBackend {
	case config.CDCBackendPostgres:
		entries, err = scanPostgres(ctx, st.pgPool, cfg.WatchedColumns)
	case config.CDCBackendMySQL:
		entries, err = scanMySQL(ctx, st.sqlDB, cfg.WatchedColumns)
	default:
		return s3gcerr.New(s3gcerr.ConfigurationError, "rebuild-registry requires cdc_backend to be set", nil)
	}
	if err != nil {
		return err
	}

	logger.Infof("rebuild-registry: scanned %d distinct keys", len(entries))
	return st.registry.Rebuild(ctx, entries)
}

// scanPostgres counts, for every watched column, how many rows carry each
// distinct non-null value, merging counts across columns by key.
func scanPostgres(ctx context.Context, pool *pgxpool.Pool, watched []config.WatchedColumn) ([]registry.RebuildEntry, error) {
	counts := map[string]uint64{}
	for _, wc := range watched {
		query := fmt.Sprintf(`SELECT %s, COUNT(*) FROM %s WHERE %s IS NOT NULL AND %s <> '' GROUP BY %s`, wc.Column, wc.Table, wc.Column, wc.Column, wc.Column)
		rows, err := pool.Query(ctx, query)
		if err != nil {
			return nil, s3gcerr.New(s3gcerr.ConfigurationError, fmt.Sprintf("scanning %s.%s", wc.Table, wc.Column), err)
		}
		for rows.Next() {
			var key string
			var n uint64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, err
			}
			counts[key] += n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return toRebuildEntries(counts), nil
}

func scanMySQL(ctx context.Context, db *sql.DB, watched []config.WatchedColumn) ([]registry.RebuildEntry, error) {
	counts := map[string]uint64{}
	for _, wc := range watched {
		query := fmt.Sprintf("SELECT `%s`, COUNT(*) FROM `%s` WHERE `%s` IS NOT NULL AND `%s` <> '' GROUP BY `%s`", wc.Column, wc.Table, wc.Column, wc.Column, wc.Column)
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return nil, s3gcerr.New(s3gcerr.ConfigurationError, fmt.Sprintf("scanning %s.%s", wc.Table, wc.Column), err)
		}
		for rows.Next() {
			var key string
			var n uint64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, err
			}
			counts[key] += n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return toRebuildEntries(counts), nil
}

func toRebuildEntries(counts map[string]uint64) []registry.RebuildEntry {
	entries := make([]registry.RebuildEntry, 0, len(counts))
	for key, n := range counts {
		entries = append(entries, registry.RebuildEntry{Key: key, ExpectedCount: n})
	}
	return entries
}

// atomicBool is the flag the admin health check reads to report CDC
// connectivity (true while the ingester goroutine is running).
type atomicBool struct {
	v atomic.Bool
}

func (b *atomicBool) Store(val bool) { b.v.Store(val) }
func (b *atomicBool) Load() bool     { return b.v.Load() }
