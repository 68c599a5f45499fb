package migration

import (
	"github.com/smallbiznis/creditbook/internal/config"
	"github.com/smallbiznis/creditbook/internal/credit/domain"
	"github.com/smallbiznis/creditbook/internal/events"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module applies the schema on startup. The versioned SQL migrations target
// postgres; other dialects fall back to gorm's auto-migration, which is how
// the in-memory test databases are built as well.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			return conn.AutoMigrate(&domain.Transaction{}, &events.OutboxEvent{})
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
