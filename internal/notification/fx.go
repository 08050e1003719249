package notification

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookingcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewNotifier),
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

// NewNotifier selects the sink from NOTIFIER, falling back to the log sink
// when redis is not available.
func NewNotifier(p Params) (Notifier, error) {
	if p.Config.Notifier == "redis" {
		if p.Redis == nil {
			p.Log.Warn("redis notifier requested without redis, using log notifier")
			return NewLogNotifier(p.Log), nil
		}
		return NewStreamNotifier(p.Redis, p.Config.NotifyStream)
	}
	return NewLogNotifier(p.Log), nil
}
