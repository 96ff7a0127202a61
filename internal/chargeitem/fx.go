package chargeitem

import (
	"github.com/careops/carebilling/internal/chargeitem/service"
	"go.uber.org/fx"
)

var Module = fx.Module("chargeitem.service",
	fx.Provide(service.NewService),
)
