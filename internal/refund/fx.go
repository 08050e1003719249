package refund

import (
	"github.com/smallbiznis/bookingcore/internal/config"
	obsmetrics "github.com/smallbiznis/bookingcore/internal/observability/metrics"
	"github.com/smallbiznis/bookingcore/internal/refund/domain"
	"github.com/smallbiznis/bookingcore/internal/refund/gateway"
	"github.com/smallbiznis/bookingcore/internal/refund/repository"
	"github.com/smallbiznis/bookingcore/internal/refund/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("refund.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideGateway),
	fx.Provide(service.NewService),
)

type gatewayParams struct {
	fx.In

	Policy     *config.RefundPolicyHolder
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// provideGateway wires the sandbox processor behind the resilient wrapper.
func provideGateway(p gatewayParams) domain.Gateway {
	return gateway.NewResilient(gateway.NewSandbox(), p.Policy, p.Log, p.ObsMetrics)
}
