// Package history keeps a durable ledger of every terminal upload report
// in Postgres, so that failures survive a restart and can be inspected
// through the REST API.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/internal/event"
	"github.com/hbomb79/Clipsync/internal/pipeline"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"
)

const (
	SqlDialect          = "postgres"
	SqlConnectionString = "host=%s user=%s password=%s dbname=%s port=%s sslmode=disable"

	tableName           = "upload_history"
	connectAttempts     = 5
	connectRetryBackoff = 3 * time.Second
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("DB")
	psql     = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

	_ goose.Logger = dbLogger
)

type (
	// Config is a subset of the configuration focusing solely
	// on the history database. The ledger is optional.
	Config struct {
		Enabled  bool   `yaml:"enabled" env:"DB_ENABLED" env-default:"false"`
		User     string `yaml:"username" env:"DB_USERNAME" validate:"required_if=Enabled true"`
		Password string `yaml:"password" env:"DB_PASSWORD" validate:"required_if=Enabled true"`
		Name     string `yaml:"name" env:"DB_NAME" env-default:"CLIPSYNC_DB"`
		Host     string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
		Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	}

	// Entry is a single row of the upload ledger.
	Entry struct {
		ID         uuid.UUID `db:"id" json:"id"`
		ArtifactID uuid.UUID `db:"artifact_id" json:"artifact_id"`
		SourceID   string    `db:"source_id" json:"source_id"`
		Path       string    `db:"path" json:"path"`
		State      string    `db:"state" json:"state"`
		Attempts   int       `db:"attempts" json:"attempts"`
		Error      *string   `db:"error" json:"error,omitempty"`
		CreatedAt  time.Time `db:"created_at" json:"created_at"`
	}

	Store struct {
		rawDb *sql.DB
		db    *sqlx.DB
	}

	SqlLogger struct {
		logger logger.Logger
	}
)

// Connect opens the Postgres connection described by the config, waiting
// for the server to accept connections, and applies any pending
// migrations.
func Connect(config Config) (*Store, error) {
	dsn := fmt.Sprintf(SqlConnectionString, config.Host, config.User, config.Password, config.Name, config.Port)
	return ConnectDSN(dsn)
}

func ConnectDSN(dsn string) (*Store, error) {
	raw, err := sql.Open(SqlDialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	raw = sqldblogger.OpenDriver(dsn, raw.Driver(), &SqlLogger{dbLogger},
		sqldblogger.WithMinimumLevel(sqldblogger.LevelDebug),
	)

	attempt := 0
	ping := func() error {
		attempt++
		return raw.Ping()
	}
	notify := func(err error, wait time.Duration) {
		dbLogger.Emit(logger.WARNING, "Attempt (%d/%d) failed... Retrying in %s: %v\n", attempt, connectAttempts, wait, err)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(connectRetryBackoff), connectAttempts-1)
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		dbLogger.Emit(logger.ERROR, "All attempts FAILED!\n")
		_ = raw.Close()
		return nil, err
	}

	store := &Store{rawDb: raw, db: sqlx.NewDb(raw, SqlDialect)}
	if err := store.executeMigrations(); err != nil {
		_ = raw.Close()
		return nil, err
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection complete!\n")
	return store, nil
}

// executeMigrations runs the embedded SQL migrations (found in the
// 'migrations' dir in this package) against the connected DB.
func (store *Store) executeMigrations() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(dbLogger)
	if err := goose.SetDialect(SqlDialect); err != nil {
		return fmt.Errorf("failed to set dialect for DB migration: %w", err)
	}

	dbLogger.Emit(logger.INFO, "Checking for pending DB migrations...\n")
	if err := goose.Up(store.rawDb, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	return nil
}

func (store *Store) Close() error {
	return store.rawDb.Close()
}

// Subscribe records every terminal upload report dispatched on the bus.
func (store *Store) Subscribe(bus event.EventHandler) {
	handle := func(ev event.Event, payload event.Payload) {
		report, ok := payload.(pipeline.Report)
		if !ok {
			return
		}

		if err := store.Record(context.Background(), report); err != nil {
			dbLogger.Emit(logger.ERROR, "Failed to record %s for %s: %v\n", ev, report.Path, err)
		}
	}

	bus.RegisterAsyncHandlerFunction(event.UploadCompleteEvent, handle)
	bus.RegisterAsyncHandlerFunction(event.UploadFailedEvent, handle)
}

// Record inserts a ledger row for the report provided.
func (store *Store) Record(ctx context.Context, report pipeline.Report) error {
	var message *string
	if report.Err != nil {
		msg := report.Err.Error()
		message = &msg
	}

	query, args, err := psql.
		Insert(tableName).
		Columns("id", "artifact_id", "source_id", "path", "state", "attempts", "error").
		Values(uuid.New(), report.ArtifactID, report.SourceID, report.Path, report.State.String(), report.Attempts, message).
		ToSql()
	if err != nil {
		return err
	}

	_, err = store.db.ExecContext(ctx, query, args...)
	return err
}

// List returns the most recent ledger rows, newest first.
func (store *Store) List(ctx context.Context, limit uint64) ([]*Entry, error) {
	return store.selectEntries(ctx, selectHistoryBuilder().Limit(limit))
}

// ListFailed returns every ledger row for a failed upload, newest first.
func (store *Store) ListFailed(ctx context.Context) ([]*Entry, error) {
	return store.selectEntries(ctx, selectHistoryBuilder().Where(squirrel.Eq{"state": artifact.Failed.String()}))
}

func (store *Store) selectEntries(ctx context.Context, builder squirrel.SelectBuilder) ([]*Entry, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	var results []*Entry
	if err := store.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, err
	}

	return results, nil
}

func selectHistoryBuilder() squirrel.SelectBuilder {
	return psql.
		Select("id", "artifact_id", "source_id", "path", "state", "attempts", "error", "created_at").
		From(tableName).
		OrderBy("created_at DESC")
}

func (l *SqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	template := "%s - %v\n"
	switch level {
	case sqldblogger.LevelTrace:
		l.logger.Verbosef(template, msg, data)
	case sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		if query, ok := data["query"]; ok {
			l.logger.Debugf("%s [%vms] -- %s\n", msg, data["duration"], query)
		} else {
			l.logger.Debugf("%s [%vms]\n", msg, data["duration"])
		}
	case sqldblogger.LevelError:
		l.logger.Errorf(template, msg, data)
	}
}
