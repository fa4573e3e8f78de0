package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-engine-go/infrastructure/logger"
	"order-engine-go/order"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const orderColumns = `id, pair, amount::text, direction, status, execution_price::text, tx_hash, logs, created_at, updated_at`

// DBConfig 连接池配置
type DBConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultDBConfig 返回默认连接池配置
func DefaultDBConfig(url string) DBConfig {
	return DBConfig{
		URL:             url,
		MaxConns:        20,
		MinConns:        2,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: time.Minute,
	}
}

// OpenPool 创建连接池并 ping 一次；调用方负责 Close。
func OpenPool(ctx context.Context, cfg DBConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Postgres 基于 pgxpool 的订单存储。
//
// 状态变更是 compare-and-set：WHERE status = ANY(合法前驱)，
// 日志用 jsonb 拼接追加，避免读-改-写。
type Postgres struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgres 包装已有连接池
func NewPostgres(pool *pgxpool.Pool, log *logger.Logger) *Postgres {
	if log == nil {
		log = logger.NewNop()
	}
	return &Postgres{pool: pool, log: log.Named("store.postgres")}
}

// EnsureSchema 建表（幂等）
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, o *order.Order) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("create order: missing id")
	}
	logs := o.Logs
	if logs == nil {
		logs = []order.LogEntry{}
	}
	rawLogs, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO orders (id, pair, amount, direction, status, execution_price, tx_hash, logs, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6::numeric, $7, $8::jsonb, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.Pair, o.Amount.String(), string(o.Direction), string(o.Status),
		decimalText(o.ExecutionPrice), o.TxHash, string(rawLogs), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, o.ID)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*order.Order, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (p *Postgres) Apply(ctx context.Context, id string, ch Change) (*order.Order, error) {
	var (
		status  *string
		allowed []string
	)
	if ch.Status != "" {
		s := string(ch.Status)
		status = &s
		for _, from := range order.DefaultStateMachine.AllowedFrom(ch.Status, ch.Reentry) {
			allowed = append(allowed, string(from))
		}
		if len(allowed) == 0 {
			return nil, fmt.Errorf("%w: nothing transitions to %s", ErrIllegalTransition, ch.Status)
		}
	}

	logs := ch.Logs
	if logs == nil {
		logs = []order.LogEntry{}
	}
	rawLogs, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("encode logs: %w", err)
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE orders SET
			status          = COALESCE($2, status),
			execution_price = COALESCE($3::numeric, execution_price),
			tx_hash         = COALESCE($4, tx_hash),
			logs            = logs || $5::jsonb,
			updated_at      = $6
		WHERE id = $1 AND ($7::text[] IS NULL OR status = ANY($7::text[]))
		RETURNING `+orderColumns,
		id, status, decimalText(ch.ExecutionPrice), ch.TxHash, string(rawLogs), time.Now().UTC(), allowed,
	)
	o, err := scanOrder(row)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update order %s: %w", id, err)
	}

	// 没有命中：订单不存在，或当前状态不允许该转换
	cur, getErr := p.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if vErr := ch.validate(cur.Status); vErr != nil {
		return nil, vErr
	}
	// 两次查询之间状态被并发修改
	return nil, fmt.Errorf("%w: %s changed concurrently (now %s)", ErrIllegalTransition, id, cur.Status)
}

func (p *Postgres) AppendLog(ctx context.Context, id, message string) (*order.Order, error) {
	return p.Apply(ctx, id, Change{Logs: []order.LogEntry{order.NewLogEntry(message)}})
}

func (p *Postgres) ListByStatus(ctx context.Context, status order.Status, limit int) ([]*order.Order, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		string(status), normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	out := make([]*order.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

// Close 关闭连接池
func (p *Postgres) Close() error {
	p.pool.Close()
	p.log.Info("postgres pool closed")
	return nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o         order.Order
		amount    string
		direction string
		status    string
		execPrice *string
		rawLogs   []byte
	)
	if err := row.Scan(&o.ID, &o.Pair, &amount, &direction, &status, &execPrice, &o.TxHash, &rawLogs, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode amount %q: %w", amount, err)
	}
	if execPrice != nil {
		p, err := decimal.NewFromString(*execPrice)
		if err != nil {
			return nil, fmt.Errorf("decode execution price %q: %w", *execPrice, err)
		}
		o.ExecutionPrice = &p
	}
	o.Direction = order.Direction(direction)
	o.Status = order.Status(status)
	o.Logs = []order.LogEntry{}
	if len(rawLogs) > 0 {
		if err := json.Unmarshal(rawLogs, &o.Logs); err != nil {
			return nil, fmt.Errorf("decode logs: %w", err)
		}
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
