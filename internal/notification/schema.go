package notification

import (
	"context"
	"embed"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nao1215/volunteerhub/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// InitSchema はマイグレーションを実行して通知テーブルを作成する。
func InitSchema(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	return migration.Run(ctx, db, migrationsFS, "migrations", logger)
}
