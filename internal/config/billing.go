package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the billing engine tunables that operators adjust
// without a redeploy: lock contention windows and invoice numbering.
type BillingConfig struct {
	// LockWait bounds how long a handler waits for a named lock before the
	// acquisition fails with a conflict.
	LockWait time.Duration `mapstructure:"lockWait"`
	// LockTTL is the safety expiry on held locks so a crashed holder cannot
	// wedge the whole facility.
	LockTTL time.Duration `mapstructure:"lockTTL"`
	// InvoiceNumberPrefix leads every generated invoice number.
	InvoiceNumberPrefix string `mapstructure:"invoiceNumberPrefix"`
	// SystemQueueName names auto-created token queues.
	SystemQueueName string `mapstructure:"systemQueueName"`
	// RebalanceQueueSize caps pending account rebalance requests.
	RebalanceQueueSize int `mapstructure:"rebalanceQueueSize"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		LockWait:            3 * time.Second,
		LockTTL:             30 * time.Second,
		InvoiceNumberPrefix: "INV",
		SystemQueueName:     "System Generated",
		RebalanceQueueSize:  256,
	}
}

// BillingConfigHolder exposes the current billing config and hot-reloads it
// when the backing file changes.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/carebilling/config")
	v.AddConfigPath("/etc/carebilling")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CAREBILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.lockWait", defaults.LockWait)
		v.SetDefault("billing.lockTTL", defaults.LockTTL)
		v.SetDefault("billing.invoiceNumberPrefix", defaults.InvoiceNumberPrefix)
		v.SetDefault("billing.systemQueueName", defaults.SystemQueueName)
		v.SetDefault("billing.rebalanceQueueSize", defaults.RebalanceQueueSize)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.LockWait <= 0 {
		return errors.New("billing.lockWait must be positive")
	}
	if cfg.LockTTL < cfg.LockWait {
		return errors.New("billing.lockTTL must cover billing.lockWait")
	}
	if strings.TrimSpace(cfg.InvoiceNumberPrefix) == "" {
		return errors.New("billing.invoiceNumberPrefix cannot be empty")
	}
	if strings.TrimSpace(cfg.SystemQueueName) == "" {
		return errors.New("billing.systemQueueName cannot be empty")
	}
	if cfg.RebalanceQueueSize <= 0 {
		return errors.New("billing.rebalanceQueueSize must be positive")
	}
	return nil
}
