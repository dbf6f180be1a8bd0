package postgres

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OrchestratorLockName はジョブを変更するコマンドが取得するロック名
const OrchestratorLockName = "efo-mapper/orchestrator"

// ErrLocked は別のプロセスがロックを保持している場合のエラー
var ErrLocked = errors.New("advisory lock is held by another process")

// AdvisoryLock はセッションスコープの PostgreSQL アドバイザリロック
// 取得したコネクションを Release まで占有する
type AdvisoryLock struct {
	conn   *pgxpool.Conn
	lockID int64
}

// GenerateLockID は文字列からロックIDを生成します
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの最初の8バイトをint64として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}

	return id
}

// TryAcquire はロックの取得を1回だけ試みる。取得できなければ ErrLocked を返す
func TryAcquire(ctx context.Context, pool *pgxpool.Pool, name string) (*AdvisoryLock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	lockID := GenerateLockID(name)
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}

	return &AdvisoryLock{conn: conn, lockID: lockID}, nil
}

// Release はロックを解放してコネクションをプールに返す
func (l *AdvisoryLock) Release(ctx context.Context) error {
	defer l.conn.Release()
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}
