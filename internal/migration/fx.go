package migration

import (
	"github.com/smallbiznis/bookingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply brings the schema up to date for the configured store.
func Apply(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
	if cfg.Type == db.TypeSQLite {
		log.Info("applying sqlite schema", zap.String("path", cfg.Path))
		return ApplySQLiteSchema(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB); err != nil {
		return err
	}
	version, dirty, err := Version(sqlDB)
	if err != nil {
		return err
	}
	log.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
