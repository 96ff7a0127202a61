package migration

import (
	"github.com/careops/carebilling/internal/chargeitem/domain"
	"github.com/careops/carebilling/internal/config"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	schedulingdomain "github.com/careops/carebilling/internal/scheduling/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}
		// Non-postgres databases are local/dev setups; schema-sync them
		// from the models instead of the versioned SQL.
		return AutoMigrate(conn)
	}),
)

// AutoMigrate creates the schema from the gorm models. Used for sqlite and
// mysql; test databases use it too.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&ledgerdomain.Account{},
		&domain.ChargeItemDefinition{},
		&ledgerdomain.ChargeItem{},
		&ledgerdomain.Invoice{},
		&ledgerdomain.PaymentReconciliation{},
		&schedulingdomain.Resource{},
		&schedulingdomain.Schedule{},
		&schedulingdomain.Slot{},
		&schedulingdomain.Booking{},
		&schedulingdomain.TokenCategory{},
		&schedulingdomain.TokenQueue{},
		&schedulingdomain.Token{},
	)
}
