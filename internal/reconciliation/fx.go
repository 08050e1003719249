package reconciliation

import (
	"github.com/smallbiznis/bookingcore/internal/reconciliation/repository"
	"github.com/smallbiznis/bookingcore/internal/reconciliation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
