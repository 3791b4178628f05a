// Package store is the Persistence Gateway: durable agent
// inventory plus the append-only CommandHistory event log, backed by GORM.
// SQLite (pure-Go modernc driver) and PostgreSQL are both supported; SQLite
// runs in WAL journaling mode, but the gateway holds a single SQLite
// connection, so the HTTP read path and the dispatch/correlator write paths
// take turns on it rather than running concurrently.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a lookup by id finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Config holds the parameters required to open the persistence gateway.
type Config struct {
	Driver   string // "sqlite" (default) or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// PendingResponse is one unflushed (cmd_id, result, exit_code) tuple, as
// buffered and drained by the Reply Correlator.
type PendingResponse struct {
	CmdID    int64
	Result   string
	ExitCode any
}

// Gateway is the synchronous SQL interface consumed by the commander
// session handler, dispatch scheduler, correlator, and HTTP API. It is the
// persistence interface from the SQL store.
type Gateway struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New opens the database connection, applies pending migrations, and
// returns a ready-to-use Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: logger is required")
	}

	gormCfg := &gorm.Config{Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel)}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		drvName  string
	)

	switch cfg.Driver {
	case "sqlite", "":
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		// SQLite supports a single writer; WAL mode lets readers proceed
		// concurrently with that writer instead of blocking on it.
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return nil, fmt.Errorf("store: enable WAL: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: init gorm with sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("store: get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("store: migrations: %w", err)
	}

	return &Gateway{db: database, logger: cfg.Logger.Named("store")}, nil
}

// runMigrations applies the migration set under migrations/<driver>, since
// the two dialects disagree on auto-increment and timestamp syntax (SQLite's
// AUTOINCREMENT/DATETIME vs. Postgres's BIGSERIAL/TIMESTAMPTZ) and no single
// schema file is valid against both.
func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	default:
		return fmt.Errorf("no migration set for driver %q", driver)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("store: migrations applied", zap.String("driver", driver))
	return nil
}

// Close releases the underlying database connection.
func (g *Gateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the connection is alive.
func (g *Gateway) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// -----------------------------------------------------------------------
// Agent inventory
// -----------------------------------------------------------------------

// AddAgent inserts a new inventory row for a freshly seen identifier.
func (g *Gateway) AddAgent(ctx context.Context, id, hostname, address, os string) error {
	agent := Agent{ID: id, Hostname: hostname, Address: address, OS: os}
	if err := g.db.WithContext(ctx).Create(&agent).Error; err != nil {
		return fmt.Errorf("store: add agent: %w", err)
	}
	return nil
}

// GetAgent retrieves one inventory row by id.
func (g *Gateway) GetAgent(ctx context.Context, id string) (Agent, error) {
	var agent Agent
	err := g.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("store: get agent: %w", err)
	}
	return agent, nil
}

// UpdateAgentAddrAndHostname rewrites the mutable identity fields of an
// existing inventory row in place. OS is immutable by spec and not touched.
func (g *Gateway) UpdateAgentAddrAndHostname(ctx context.Context, id, hostname, address string) error {
	result := g.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).
		Updates(map[string]any{"hostname": hostname, "address": address})
	if result.Error != nil {
		return fmt.Errorf("store: update agent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgents removes inventory rows matching the given filter and cascades
// the delete to their CommandHistory rows. entity is "*" for all agents or a
// literal id; os, if non-empty, further restricts the match. Returns the
// list of ids actually deleted.
func (g *Gateway) DeleteAgents(ctx context.Context, entity, os string) ([]string, error) {
	var agents []Agent
	q := g.db.WithContext(ctx).Model(&Agent{})
	if entity != "*" {
		q = q.Where("id = ?", entity)
	}
	if os != "" {
		q = q.Where("os = ?", os)
	}
	if err := q.Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("store: find agents to delete: %w", err)
	}
	if len(agents) == 0 {
		return nil, nil
	}

	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_id IN ?", ids).Delete(&CommandEvent{}).Error; err != nil {
			return fmt.Errorf("cascade delete command history: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Agent{}).Error; err != nil {
			return fmt.Errorf("delete agents: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: delete agents: %w", err)
	}
	return ids, nil
}

// CountAgents counts inventory rows, optionally filtered by os.
func (g *Gateway) CountAgents(ctx context.Context, os string) (int64, error) {
	var count int64
	q := g.db.WithContext(ctx).Model(&Agent{})
	if os != "" {
		q = q.Where("os = ?", os)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count agents: %w", err)
	}
	return count, nil
}

// ListAgents lists inventory rows, optionally filtered by os and/or a
// single entity id ("*" means no entity filter).
func (g *Gateway) ListAgents(ctx context.Context, os, entity string) ([]Agent, error) {
	var agents []Agent
	q := g.db.WithContext(ctx).Order("hostname ASC")
	if entity != "" && entity != "*" {
		q = q.Where("id = ?", entity)
	}
	if os != "" {
		q = q.Where("os = ?", os)
	}
	if err := q.Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	return agents, nil
}

// -----------------------------------------------------------------------
// Command history
// -----------------------------------------------------------------------

// AgentHistory returns the event log for a single agent id, optionally
// filtered by the agent's os (a no-op unless the caller wants to assert the
// agent matches a given os before returning results).
func (g *Gateway) AgentHistory(ctx context.Context, id, os string) ([]CommandEvent, error) {
	return g.AgentsHistory(ctx, []string{id}, false, os)
}

// AgentsHistory returns the event log for a set of agent ids, ordered by
// Count ascending (or descending if reverse is true). os, if non-empty,
// restricts to agents whose inventory row has that os tag.
func (g *Gateway) AgentsHistory(ctx context.Context, ids []string, reverse bool, os string) ([]CommandEvent, error) {
	targetIDs := ids
	if os != "" {
		var filtered []Agent
		if err := g.db.WithContext(ctx).Where("id IN ? AND os = ?", ids, os).Find(&filtered).Error; err != nil {
			return nil, fmt.Errorf("store: filter agents by os: %w", err)
		}
		targetIDs = make([]string, len(filtered))
		for i, a := range filtered {
			targetIDs[i] = a.ID
		}
	}
	if len(targetIDs) == 0 {
		return nil, nil
	}

	order := "count ASC"
	if reverse {
		order = "count DESC"
	}

	var events []CommandEvent
	if err := g.db.WithContext(ctx).Where("agent_id IN ?", targetIDs).Order(order).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("store: agents history: %w", err)
	}
	return events, nil
}

// GetLastRowID returns the highest Count assigned so far, or 0 if the
// event log is empty. Used by the dispatch scheduler to precompute the
// contiguous id block for a new batch before it is appended.
func (g *Gateway) GetLastRowID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := g.db.WithContext(ctx).Model(&CommandEvent{}).Select("MAX(count)").Scan(&max).Error; err != nil {
		return 0, fmt.Errorf("store: get last row id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// AddAgentEvents appends one CommandEvent row per id, in order, with
// response and exit_code left NULL. The returned slice gives the assigned
// cmd_id for each id in the same order — callers must not assume the ids
// are contiguous without also checking GetLastRowID before this call, since
// the contiguity invariant depends on nothing else
// writing to the table between the two calls.
func (g *Gateway) AddAgentEvents(ctx context.Context, ids []string, event, eventDetail string) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	cmdIDs := make([]int64, len(ids))

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, id := range ids {
			row := CommandEvent{Time: now, AgentID: id, Event: event, EventDetail: eventDetail}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert event for %s: %w", id, err)
			}
			cmdIDs[i] = row.Count
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: add agent events: %w", err)
	}
	return cmdIDs, nil
}

// AddEventResponses applies a batch of (cmd_id, result, exit_code) updates
// in one transaction. A tuple whose cmd_id no longer matches any row (the
// agent was deleted, cascading away its history) is silently skipped —
// correlation is best-effort.
func (g *Gateway) AddEventResponses(ctx context.Context, buffer []PendingResponse) (int64, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	var updated int64
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, resp := range buffer {
			exitCode := fmt.Sprintf("%v", resp.ExitCode)
			result := tx.Model(&CommandEvent{}).
				Where("count = ?", resp.CmdID).
				Updates(map[string]any{"response": resp.Result, "exit_code": exitCode})
			if result.Error != nil {
				return fmt.Errorf("update cmd_id %d: %w", resp.CmdID, result.Error)
			}
			updated += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: add event responses: %w", err)
	}
	return updated, nil
}

// HasPendingEvents reports whether any CommandHistory row still has a NULL
// response. The Correlator does not call it: its flush job ticks for the
// Correlator's whole lifetime.
func (g *Gateway) HasPendingEvents(ctx context.Context) (bool, error) {
	var count int64
	if err := g.db.WithContext(ctx).Model(&CommandEvent{}).Where("response IS NULL").Count(&count).Error; err != nil {
		return false, fmt.Errorf("store: has pending events: %w", err)
	}
	return count > 0, nil
}
