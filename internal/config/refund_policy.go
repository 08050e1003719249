package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RefundPolicy holds the business rules that decide how refunds are issued.
type RefundPolicy struct {
	// Methods maps a refund trigger (cancelled, no_show, manual) to cash or credit.
	Methods                 map[string]string `mapstructure:"methods"`
	CancellationWindowHours int               `mapstructure:"cancellationWindowHours"`
	CreditExpiryDays        int               `mapstructure:"creditExpiryDays"`
	FailedRetryAfter        time.Duration     `mapstructure:"failedRetryAfter"`
	StaleProcessingAfter    time.Duration     `mapstructure:"staleProcessingAfter"`
	Gateway                 GatewayPolicy     `mapstructure:"gateway"`
}

type GatewayPolicy struct {
	MaxAttempts                uint          `mapstructure:"maxAttempts"`
	InitialInterval            time.Duration `mapstructure:"initialInterval"`
	MaxInterval                time.Duration `mapstructure:"maxInterval"`
	AttemptTimeout             time.Duration `mapstructure:"attemptTimeout"`
	BreakerConsecutiveFailures uint32        `mapstructure:"breakerConsecutiveFailures"`
	BreakerOpenTimeout         time.Duration `mapstructure:"breakerOpenTimeout"`
}

func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{
		Methods: map[string]string{
			"cancelled": "cash",
			"no_show":   "credit",
			"manual":    "cash",
		},
		CancellationWindowHours: 0,
		CreditExpiryDays:        365,
		FailedRetryAfter:        15 * time.Minute,
		StaleProcessingAfter:    5 * time.Minute,
		Gateway: GatewayPolicy{
			MaxAttempts:                4,
			InitialInterval:            200 * time.Millisecond,
			MaxInterval:                2 * time.Second,
			AttemptTimeout:             10 * time.Second,
			BreakerConsecutiveFailures: 5,
			BreakerOpenTimeout:         30 * time.Second,
		},
	}
}

// MethodFor returns the configured refund method for a trigger, defaulting to cash.
func (p RefundPolicy) MethodFor(trigger string) string {
	method := strings.ToLower(strings.TrimSpace(p.Methods[strings.ToLower(strings.TrimSpace(trigger))]))
	if method == "" {
		return "cash"
	}
	return method
}

func (p RefundPolicy) withDefaults() RefundPolicy {
	defaults := DefaultRefundPolicy()
	if len(p.Methods) == 0 {
		p.Methods = defaults.Methods
	}
	if p.CreditExpiryDays <= 0 {
		p.CreditExpiryDays = defaults.CreditExpiryDays
	}
	if p.FailedRetryAfter <= 0 {
		p.FailedRetryAfter = defaults.FailedRetryAfter
	}
	if p.StaleProcessingAfter <= 0 {
		p.StaleProcessingAfter = defaults.StaleProcessingAfter
	}
	if p.Gateway.MaxAttempts == 0 {
		p.Gateway.MaxAttempts = defaults.Gateway.MaxAttempts
	}
	if p.Gateway.InitialInterval <= 0 {
		p.Gateway.InitialInterval = defaults.Gateway.InitialInterval
	}
	if p.Gateway.MaxInterval <= 0 {
		p.Gateway.MaxInterval = defaults.Gateway.MaxInterval
	}
	if p.Gateway.AttemptTimeout <= 0 {
		p.Gateway.AttemptTimeout = defaults.Gateway.AttemptTimeout
	}
	if p.Gateway.BreakerConsecutiveFailures == 0 {
		p.Gateway.BreakerConsecutiveFailures = defaults.Gateway.BreakerConsecutiveFailures
	}
	if p.Gateway.BreakerOpenTimeout <= 0 {
		p.Gateway.BreakerOpenTimeout = defaults.Gateway.BreakerOpenTimeout
	}
	return p
}

type RefundPolicyHolder struct {
	current atomic.Value // holds RefundPolicy
}

// NewStaticRefundPolicyHolder returns a holder that never reloads.
func NewStaticRefundPolicyHolder(policy RefundPolicy) *RefundPolicyHolder {
	holder := &RefundPolicyHolder{}
	holder.current.Store(policy.withDefaults())
	return holder
}

func NewRefundPolicyHolder(cfg Config, log *zap.Logger) (*RefundPolicyHolder, error) {
	log = log.Named("refund.policy")
	v := viper.New()

	v.SetConfigName("refund_policy")
	v.SetConfigType("yml")
	if cfg.RefundPolicyDir != "" {
		v.AddConfigPath(cfg.RefundPolicyDir)
	}
	v.AddConfigPath("/etc/bookingcore")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BOOKINGCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &RefundPolicyHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("refund policy file not found, using defaults")
		holder.current.Store(DefaultRefundPolicy())
		return holder, nil
	}

	policy, err := decodeRefundPolicy(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(policy)

	if cfg.RefundPolicyWatch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeRefundPolicy(v)
			if err != nil {
				log.Warn("refund policy reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("refund policy reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *RefundPolicyHolder) Get() RefundPolicy {
	if h == nil {
		return DefaultRefundPolicy()
	}
	policy, ok := h.current.Load().(RefundPolicy)
	if !ok {
		return DefaultRefundPolicy()
	}
	return policy
}

func decodeRefundPolicy(v *viper.Viper) (RefundPolicy, error) {
	var policy RefundPolicy
	if err := v.UnmarshalKey("refund", &policy); err != nil {
		return RefundPolicy{}, err
	}
	policy = policy.withDefaults()
	if err := validateRefundPolicy(policy); err != nil {
		return RefundPolicy{}, err
	}
	return policy, nil
}

func validateRefundPolicy(policy RefundPolicy) error {
	for trigger, method := range policy.Methods {
		switch strings.ToLower(strings.TrimSpace(method)) {
		case "cash", "credit":
		default:
			return fmt.Errorf("refund.methods.%s: unsupported method %q", trigger, method)
		}
	}
	if policy.CancellationWindowHours < 0 {
		return errors.New("refund.cancellationWindowHours cannot be negative")
	}
	return nil
}
