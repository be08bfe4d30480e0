package internal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
)

// PostgresRegistry 以 PostgreSQL 作為共享儲存
//
// Commit 在 SERIALIZABLE 交易中執行，序列化失敗（40001）視為版本衝突，
// 唯一索引違反（23505）視為連線被佔用或主鍵已存在。
// 資料表由 migrations 套件建立。
type PostgresRegistry struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const recordColumns = `pk, item_type, status, host_connection, guest_connection, host_name, guest_name, version, updated_at`

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgPrimaryKey           = "records_pkey"
)

// NewPostgresRegistry 創建 PostgreSQL Registry
func NewPostgresRegistry(pool *pgxpool.Pool, logger *slog.Logger) *PostgresRegistry {
	return &PostgresRegistry{
		pool:   pool,
		logger: logger,
	}
}

// Get 依主鍵讀取
func (p *PostgresRegistry) Get(ctx context.Context, id string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE pk = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound.WithDetails(id)
	}
	if err != nil {
		return nil, p.translate(err, "get record")
	}
	return rec, nil
}

// Put 整筆覆寫
func (p *PostgresRegistry) Put(ctx context.Context, record *Record) error {
	if record == nil {
		return ErrInvalidInput.WithDetails("nil record")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		if err := checkConnectionsTx(ctx, tx, record, nil); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
			ON CONFLICT (pk) DO UPDATE SET
				item_type        = EXCLUDED.item_type,
				status           = EXCLUDED.status,
				host_connection  = EXCLUDED.host_connection,
				guest_connection = EXCLUDED.guest_connection,
				host_name        = EXCLUDED.host_name,
				guest_name       = EXCLUDED.guest_name,
				version          = records.version + 1,
				updated_at       = EXCLUDED.updated_at`,
			record.ID, string(record.Kind), string(record.Status), record.HostConnection,
			nullString(record.GuestConnection), record.HostName, record.GuestName, time.Now().UTC())
		return err
	})
	return p.translate(err, "put record")
}

// Delete 依主鍵刪除
func (p *PostgresRegistry) Delete(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM records WHERE pk = $1`, id)
	return p.translate(err, "delete record")
}

// FindByHostConnection 依 hostConnection 查詢
func (p *PostgresRegistry) FindByHostConnection(ctx context.Context, connectionID string) (*Record, error) {
	return p.findBy(ctx, "host_connection", connectionID)
}

// FindByGuestConnection 依 guestConnection 查詢
func (p *PostgresRegistry) FindByGuestConnection(ctx context.Context, connectionID string) (*Record, error) {
	return p.findBy(ctx, "guest_connection", connectionID)
}

func (p *PostgresRegistry) findBy(ctx context.Context, column, connectionID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE `+column+` = $1`, connectionID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound.WithDetails(connectionID)
	}
	if err != nil {
		return nil, p.translate(err, "find record")
	}
	return rec, nil
}

// ListByKind 列出指定類型的記錄
func (p *PostgresRegistry) ListByKind(ctx context.Context, kind Kind) ([]*Record, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+recordColumns+` FROM records WHERE item_type = $1`, string(kind))
	if err != nil {
		return nil, p.translate(err, "list records")
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, p.translate(err, "scan record")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, p.translate(err, "list records")
	}
	return records, nil
}

// Commit 原子套用條件寫入
func (p *PostgresRegistry) Commit(ctx context.Context, change Change) error {
	if err := change.Validate(); err != nil {
		return err
	}

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		removed := make([]string, 0, len(change.Remove))
		for _, r := range change.Remove {
			tag, err := tx.Exec(ctx, `DELETE FROM records WHERE pk = $1 AND version = $2`, r.ID, r.Version)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrVersionConflict.WithDetails(r.ID)
			}
			removed = append(removed, r.ID)
		}

		for _, r := range change.Create {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE pk = $1)`, r.ID).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return ErrRecordExists.WithDetails(r.ID)
			}
		}

		for _, r := range change.Replace {
			tag, err := tx.Exec(ctx, `
				UPDATE records SET
					item_type        = $3,
					status           = $4,
					host_connection  = $5,
					guest_connection = $6,
					host_name        = $7,
					guest_name       = $8,
					version          = version + 1,
					updated_at       = $9
				WHERE pk = $1 AND version = $2`,
				r.ID, r.Version, string(r.Kind), string(r.Status), r.HostConnection,
				nullString(r.GuestConnection), r.HostName, r.GuestName, now)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrVersionConflict.WithDetails(r.ID)
			}
		}

		for _, r := range change.writes() {
			if err := checkConnectionsTx(ctx, tx, r, removed); err != nil {
				return err
			}
		}

		for _, r := range change.Create {
			_, err := tx.Exec(ctx, `
				INSERT INTO records (`+recordColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)`,
				r.ID, string(r.Kind), string(r.Status), r.HostConnection,
				nullString(r.GuestConnection), r.HostName, r.GuestName, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.logger.Debug("postgres 提交被拒絕", "error", err)
	}
	return p.translate(err, "commit change")
}

// Close 關閉連接池
func (p *PostgresRegistry) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresRegistry) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

// translate 把驅動錯誤轉成應用錯誤碼，AppError 原樣返回
func (p *PostgresRegistry) translate(err error, op string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return ErrVersionConflict.WithDetails(op)
		case pgUniqueViolation:
			if pgErr.ConstraintName == pgPrimaryKey {
				return ErrRecordExists.WithDetails(op)
			}
			return ErrConnectionBusy.WithDetails(pgErr.ConstraintName)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "postgres "+op)
}

// checkConnectionsTx 確認記錄的連線沒有被其他記錄佔用
//
// 唯一索引只保證同一欄位內不重複，跨欄位（A 的 host 是 B 的 guest）需要顯式查詢。
func checkConnectionsTx(ctx context.Context, tx pgx.Tx, r *Record, removed []string) error {
	if removed == nil {
		removed = []string{}
	}
	var owner string
	err := tx.QueryRow(ctx, `
		SELECT pk FROM records
		WHERE pk <> $1
		  AND NOT (pk = ANY($3))
		  AND (host_connection = ANY($2) OR guest_connection = ANY($2))
		LIMIT 1`,
		r.ID, r.Connections(), removed).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return ErrConnectionBusy.WithDetails(owner)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec   Record
		kind  string
		state string
		guest *string
	)
	err := row.Scan(&rec.ID, &kind, &state, &rec.HostConnection, &guest,
		&rec.HostName, &rec.GuestName, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	rec.Status = GameStatus(state)
	if guest != nil {
		rec.GuestConnection = *guest
	}
	return &rec, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
