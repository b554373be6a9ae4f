// Package clonesession adapts a live MariaDB/MySQL connection to the two
// host collaborator interfaces pkg/cloneengine needs and does not itself
// implement: cloneengine.Session (cancellation polling) and
// cloneengine.BackupLocker (per-table BACKUP LOCK / BACKUP UNLOCK). It
// also drives the server through the BACKUP STAGE sequence that the host
// database uses to escalate from "nothing blocked" to "commits blocked",
// which is what actually makes the StageDriver's five stages meaningful
// against a real server rather than a test double.
package clonesession

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/siddontang/loggers"

	"github.com/block/cloneengine/pkg/cloneengine"
)

// Config carries the connection-standardization options applied to every
// connection (lock_wait_timeout, innodb_lock_wait_timeout), trimmed to
// what a clone session needs; transport security belongs to the host, not
// this package.
type Config struct {
	LockWaitTimeout       int
	InnodbLockWaitTimeout int
	MaxOpenConnections    int
	// PollInterval is how often Session.Killed polls the server for
	// this connection's process state.
	PollInterval time.Duration
}

// NewConfig returns defaults conservative enough for a busy primary: a
// short InnoDB lock wait so a stuck BACKUP LOCK surfaces quickly.
func NewConfig() *Config {
	return &Config{
		LockWaitTimeout:       30,
		InnodbLockWaitTimeout: 3,
		MaxOpenConnections:    4,
		PollInterval:          time.Second,
	}
}

// Connect opens a *sql.DB, pings it to validate the connection, and then
// standardizes its session variables: UTC time zone, empty sql_mode,
// binary character set, and the configured lock-wait timeouts.
func Connect(ctx context.Context, dsn string, config *Config) (*sql.DB, error) {
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, fmt.Errorf("clonesession: parsing DSN: %w", err)
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("clonesession: opening connection: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConnections)
	db.SetConnMaxLifetime(3 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clonesession: ping failed: %w", err)
	}
	stmts := []string{
		"SET time_zone='+00:00'",
		"SET sql_mode=''",
		"SET NAMES 'binary'",
		fmt.Sprintf("SET innodb_lock_wait_timeout=%d", config.InnodbLockWaitTimeout),
		fmt.Sprintf("SET lock_wait_timeout=%d", config.LockWaitTimeout),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("clonesession: standardizing connection: %w", err)
		}
	}
	return db, nil
}

// Session implements cloneengine.Session against a real connection: it
// polls SHOW PROCESSLIST for its own connection id's command state and
// latches killed=true once the server reports it gone. Callers that also
// carry a context.Context should cancel it so the background poller can
// exit; Close always stops the poller.
type Session struct {
	db     *sql.DB
	connID int64
	logger loggers.Advanced

	mu     sync.Mutex
	killed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession starts polling db (which must be a single, dedicated
// connection — a *sql.DB with MaxOpenConns(1) — so CONNECTION_ID() stays
// stable across calls) for cancellation every config.PollInterval.
func NewSession(ctx context.Context, db *sql.DB, config *Config, logger loggers.Advanced) (*Session, error) {
	var connID int64
	if err := db.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&connID); err != nil {
		return nil, fmt.Errorf("clonesession: resolving connection id: %w", err)
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		db:     db,
		connID: connID,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pollLoop(pollCtx, config.PollInterval)
	return s, nil
}

func (s *Session) pollLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.checkKilled(ctx) {
				return
			}
		}
	}
}

// checkKilled looks for this session's own row in SHOW PROCESSLIST; if the
// row is gone, or its Command column reads "Killed", the session has been
// cancelled out from under it (e.g. a host-issued KILL QUERY) and Killed
// latches true from then on.
func (s *Session) checkKilled(ctx context.Context) bool {
	rows, err := s.db.QueryContext(ctx, "SHOW PROCESSLIST")
	if err != nil {
		return false
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return false
	}
	found := false
	for rows.Next() {
		vals := make([]sql.RawBytes, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			continue
		}
		row := make(map[string]string, len(cols))
		for i, c := range cols {
			row[strings.ToLower(c)] = string(vals[i])
		}
		id, _ := strconv.ParseInt(row["id"], 10, 64)
		if id != s.connID {
			continue
		}
		found = true
		if strings.EqualFold(row["command"], "Killed") {
			s.latch()
		}
	}
	if !found {
		s.latch()
	}
	return s.Killed()
}

func (s *Session) latch() {
	s.mu.Lock()
	if !s.killed {
		s.killed = true
		s.logger.Warnf("clonesession: connection %d observed killed", s.connID)
	}
	s.mu.Unlock()
}

// Killed reports whether cancellation has been observed.
func (s *Session) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

// Close stops the background poller and waits for it to exit.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

var _ cloneengine.Session = (*Session)(nil)

// quoteIdent backtick-quotes a MySQL identifier, doubling any embedded
// backtick, the same manual quoting every MySQL client tool applies since
// the driver itself does not offer identifier quoting.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// BackupLock implements cloneengine.BackupLocker by issuing the server's
// BACKUP LOCK / BACKUP UNLOCK statements for one table at a time, mirroring
// tablelock.go's "acquire a named, short-lived lock over a dedicated
// connection" shape but targeting BACKUP LOCK instead of LOCK TABLES,
// since BACKUP LOCK only pauses DDL/writes on the named table rather than
// taking it out of read availability.
type BackupLock struct {
	db     *sql.DB
	logger loggers.Advanced
}

// NewBackupLock wraps db (typically the same connection StageDriver scans
// with on task 0) to issue BACKUP LOCK statements.
func NewBackupLock(db *sql.DB, logger loggers.Advanced) *BackupLock {
	return &BackupLock{db: db, logger: logger}
}

// BackupLock acquires BACKUP LOCK on name, which must already be in
// `db`.`table` or a bare table form quoteIdent can wrap as a single
// identifier; callers pass the same dotted name Table.Key() produces.
func (b *BackupLock) BackupLock(name string) error {
	b.logger.Infof("clonesession: acquiring backup lock on %s", name)
	_, err := b.db.Exec("BACKUP LOCK " + quoteDotted(name))
	if err != nil {
		return fmt.Errorf("clonesession: BACKUP LOCK %s: %w", name, err)
	}
	return nil
}

// BackupUnlock releases the lock most recently taken on this connection.
// BACKUP UNLOCK takes no argument: it releases whatever BACKUP LOCK is
// currently held by the session.
func (b *BackupLock) BackupUnlock(name string) error {
	_, err := b.db.Exec("BACKUP UNLOCK")
	if err != nil {
		return fmt.Errorf("clonesession: BACKUP UNLOCK (table %s): %w", name, err)
	}
	return nil
}

// quoteDotted quotes a "db/table" or "db.table" key as `db`.`table`.
func quoteDotted(name string) string {
	name = strings.ReplaceAll(name, "/", ".")
	parts := strings.SplitN(name, ".", 2)
	if len(parts) != 2 {
		return quoteIdent(name)
	}
	return quoteIdent(parts[0]) + "." + quoteIdent(parts[1])
}

var _ cloneengine.BackupLocker = (*BackupLock)(nil)

// backupStageNames maps each protocol Stage onto the server's BACKUP
// STAGE name that actually produces the corresponding lock escalation, so
// the stage machine rests on a real, host-issued command rather than an
// assumption about already-blocked DDL/DML. On a real server this runs
// just before the host calls StageDriver.Clone for that stage.
var backupStageNames = map[cloneengine.Stage]string{
	cloneengine.StageConcurrent:   "START",
	cloneengine.StageNTDMLBlocked: "FLUSH",
	cloneengine.StageDDLBlocked:   "BLOCK_DDL",
	cloneengine.StageSnapshot:     "BLOCK_COMMIT",
	cloneengine.StageEnd:          "END",
}

// AdvanceBackupStage issues "BACKUP STAGE <name>" for stage over db. It
// is the host-side counterpart to StageDriver.Clone: a caller
// (cmd/cloneshell, or a real host integration) runs this immediately
// before driving the protocol to that stage, which depends on the server
// having already escalated its locks.
func AdvanceBackupStage(ctx context.Context, db *sql.DB, stage cloneengine.Stage) error {
	name, ok := backupStageNames[stage]
	if !ok {
		return fmt.Errorf("clonesession: no BACKUP STAGE mapping for stage %s", stage)
	}
	_, err := db.ExecContext(ctx, "BACKUP STAGE "+name)
	if err != nil {
		return fmt.Errorf("clonesession: BACKUP STAGE %s: %w", name, err)
	}
	return nil
}
