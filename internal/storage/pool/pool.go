package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	xerrors "reev-harness/internal/errors"
	"reev-harness/pkg/logger"
)

// ErrConnReleased is returned when a connection handle is used after Release.
var ErrConnReleased = stdErrors.New("pool: connection already released")

// Config describes the pool and the database behind it.
type Config struct {
	// Driver is "sqlite" or "mysql".
	Driver string
	// DSN is used verbatim when set. For SQLite it is otherwise built from Path.
	DSN  string
	Path string
	// MaxConnections bounds active + idle connections.
	MaxConnections int
	// AcquireTimeout bounds how long Acquire waits for a released connection.
	AcquireTimeout time.Duration
	// ConnMaxLifetime recycles idle connections older than this. Zero keeps them forever.
	ConnMaxLifetime time.Duration
	// BusyTimeout is passed to SQLite as _busy_timeout.
	BusyTimeout time.Duration
}

// SchemaInitializer creates the schema on the first connection of a pool.
type SchemaInitializer func(ctx context.Context, conn *sql.Conn) error

// Option customises a Pool.
type Option func(*Pool)

// WithSchema sets the initializer run once per pool instance.
func WithSchema(init SchemaInitializer) Option {
	return func(p *Pool) {
		p.schema = init
	}
}

// WithLogger overrides the pool logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

type idleConn struct {
	raw       *sql.Conn
	createdAt time.Time
}

// Pool hands out exclusive database connections up to a fixed capacity.
// Connections are created lazily; the schema initializer runs on the first
// one only. The mutex guards bookkeeping and is never held during query I/O.
type Pool struct {
	cfg     Config
	dialect string
	dsn     string
	schema  SchemaInitializer
	log     *slog.Logger
	permits *semaphore.Weighted

	mu         sync.Mutex
	db         *sql.DB
	idle       []idleConn
	size       int
	active     int
	generation uint64

	schemaMu    sync.Mutex
	schemaReady atomic.Bool
}

// Stats is a point-in-time view of the pool bookkeeping.
type Stats struct {
	Max         int `json:"max"`
	CurrentSize int `json:"current_size"`
	Idle        int `json:"idle"`
	Active      int `json:"active"`
}

func (s Stats) String() string {
	return fmt.Sprintf("Pool Stats: %d/%d active (%d available)", s.Active, s.Max, s.Idle)
}

// New validates cfg and returns an empty pool. No connection is opened.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	dialect, dsn, err := resolveDSN(cfg)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:     cfg,
		dialect: dialect,
		dsn:     dsn,
		log:     logger.Named("pool"),
		permits: semaphore.NewWeighted(int64(cfg.MaxConnections)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Open builds a pool and warms one connection so schema errors surface at startup.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Pool, error) {
	p, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	conn, err := p.Acquire(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}
	conn.Release()
	return p, nil
}

// Dialect returns "sqlite" or "mysql".
func (p *Pool) Dialect() string {
	return p.dialect
}

// Acquire returns an idle connection, creates one while below capacity, or
// waits until another caller releases one.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := p.permits.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		stats := p.Stats()
		return nil, xerrors.Wrap(xerrors.CodePoolExhausted, err,
			fmt.Sprintf("no connection released within %s (%s)", p.cfg.AcquireTimeout, stats))
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		p.permits.Release(1)
		return nil, err
	}
	return conn, nil
}

// Release hands conn back to the pool. Releasing twice is a no-op.
func (p *Pool) Release(conn *Conn) {
	if conn == nil || conn.pool != p {
		return
	}
	conn.Release()
}

// Do runs fn with a pooled connection that is released on every exit path.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, conn *Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(ctx, conn)
}

// Stats reports the bookkeeping counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Max:         p.cfg.MaxConnections,
		CurrentSize: p.size,
		Idle:        len(p.idle),
		Active:      p.active,
	}
}

// SchemaInitialized reports whether the schema initializer has completed.
func (p *Pool) SchemaInitialized() bool {
	return p.schemaReady.Load()
}

// Close drops idle connections and resets the size counter. Connections still
// checked out are closed when released. A later Acquire starts from an empty
// pool. File and server databases keep their schema; an in-memory database
// is gone once its last connection closes, so its schema is initialized again.
func (p *Pool) Close() error {
	if isMemoryDatabase(p.dialect, p.cfg.Path) {
		p.schemaMu.Lock()
		p.schemaReady.Store(false)
		p.schemaMu.Unlock()
	}
	p.mu.Lock()
	idle := p.idle
	db := p.db
	p.idle = nil
	p.db = nil
	p.size = p.active
	p.generation++
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.raw.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.log.Debug("pool closed", slog.Int("dropped_idle", len(idle)))
	return stdErrors.Join(errs...)
}

func (p *Pool) checkout(ctx context.Context) (*Conn, error) {
	var expired []idleConn

	p.mu.Lock()
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		candidate := p.idle[n]
		p.idle = p.idle[:n]
		if p.cfg.ConnMaxLifetime > 0 && time.Since(candidate.createdAt) > p.cfg.ConnMaxLifetime {
			p.size--
			expired = append(expired, candidate)
			continue
		}
		p.active++
		gen := p.generation
		p.mu.Unlock()
		closeIdle(expired)
		return &Conn{raw: candidate.raw, pool: p, generation: gen, createdAt: candidate.createdAt}, nil
	}
	db, err := p.databaseLocked()
	gen := p.generation
	p.mu.Unlock()
	closeIdle(expired)
	if err != nil {
		return nil, err
	}

	// Holding a permit with no idle connection means size < max.
	raw, err := p.createConnection(ctx, db)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.size++
	p.active++
	p.mu.Unlock()

	p.log.Debug("connection created", slog.String("stats", p.Stats().String()))
	return &Conn{raw: raw, pool: p, generation: gen, createdAt: time.Now()}, nil
}

func (p *Pool) createConnection(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	if err := prepareStorage(p.dialect, p.cfg.Path); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionCreationFailed, err, "prepare database storage")
	}
	raw, err := db.Conn(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionCreationFailed, err, "open database connection")
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnectionCreationFailed, err, "ping database connection")
	}
	if err := p.ensureSchema(ctx, raw); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return raw, nil
}

func (p *Pool) ensureSchema(ctx context.Context, raw *sql.Conn) error {
	if p.schema == nil || p.schemaReady.Load() {
		return nil
	}
	p.schemaMu.Lock()
	defer p.schemaMu.Unlock()
	if p.schemaReady.Load() {
		return nil
	}
	if err := p.schema(ctx, raw); err != nil {
		p.log.Error("schema initialization failed", slog.Any("error", err))
		return xerrors.Wrap(xerrors.CodeSchemaInitializationFailed, err, "initialize schema")
	}
	p.schemaReady.Store(true)
	p.log.Info("schema initialized", slog.String("dialect", p.dialect))
	return nil
}

// databaseLocked lazily opens the *sql.DB. sql.Open performs no I/O.
func (p *Pool) databaseLocked() (*sql.DB, error) {
	if p.db != nil {
		return p.db, nil
	}
	db, err := sql.Open(driverName(p.dialect), p.dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionCreationFailed, err, "open database")
	}
	db.SetMaxOpenConns(p.cfg.MaxConnections)
	db.SetMaxIdleConns(0)
	p.db = db
	return db, nil
}

func (p *Pool) release(c *Conn) {
	p.mu.Lock()
	p.active--
	discard := c.broken.Load() || c.generation != p.generation
	if discard {
		p.size--
	} else {
		p.idle = append(p.idle, idleConn{raw: c.raw, createdAt: c.createdAt})
	}
	p.mu.Unlock()

	if discard {
		_ = c.raw.Close()
	}
	p.permits.Release(1)
}

func closeIdle(conns []idleConn) {
	for _, c := range conns {
		_ = c.raw.Close()
	}
}

// Conn is an exclusively owned pooled connection.
type Conn struct {
	raw        *sql.Conn
	pool       *Pool
	generation uint64
	createdAt  time.Time
	released   atomic.Bool
	broken     atomic.Bool
}

// Release returns the connection to its pool.
func (c *Conn) Release() {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	c.pool.release(c)
}

// ExecContext runs a statement on the connection.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.released.Load() {
		return nil, ErrConnReleased
	}
	res, err := c.raw.ExecContext(ctx, query, args...)
	c.observe(err)
	return res, err
}

// QueryContext runs a query on the connection.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.released.Load() {
		return nil, ErrConnReleased
	}
	rows, err := c.raw.QueryContext(ctx, query, args...)
	c.observe(err)
	return rows, err
}

// BeginTx starts a transaction pinned to this connection.
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c.released.Load() {
		return nil, ErrConnReleased
	}
	tx, err := c.raw.BeginTx(ctx, opts)
	c.observe(err)
	return tx, err
}

// PingContext verifies the connection is still alive.
func (c *Conn) PingContext(ctx context.Context) error {
	if c.released.Load() {
		return ErrConnReleased
	}
	err := c.raw.PingContext(ctx)
	c.observe(err)
	return err
}

// observe marks the connection broken so release discards it.
func (c *Conn) observe(err error) {
	if err == nil {
		return
	}
	if stdErrors.Is(err, driver.ErrBadConn) || stdErrors.Is(err, sql.ErrConnDone) {
		c.broken.Store(true)
	}
}
