package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LedgerPolicy is the process-wide ledger policy, read at operation time.
type LedgerPolicy struct {
	// AllowNegativeBalance lets deducts drive a balance below zero.
	AllowNegativeBalance bool `mapstructure:"allowNegativeBalance"`
	// MaxTransactionAttempts bounds automatic retries of a ledger
	// operation on transient transaction failures.
	MaxTransactionAttempts int `mapstructure:"maxTransactionAttempts"`
}

func DefaultLedgerPolicy() LedgerPolicy {
	return LedgerPolicy{
		AllowNegativeBalance:   false,
		MaxTransactionAttempts: 5,
	}
}

// PolicyHolder exposes the current ledger policy and hot-reloads it when the
// backing config file changes.
type PolicyHolder struct {
	current atomic.Value // holds LedgerPolicy
}

// NewPolicyHolder loads the ledger policy from creditbook.yml (volume mount,
// system config, or working directory), falling back to defaults when no
// file is present.
func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("creditbook")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditbook/config")
	v.AddConfigPath("/etc/creditbook")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLedgerPolicy()
	v.SetDefault("ledger.allowNegativeBalance", defaults.AllowNegativeBalance)
	v.SetDefault("ledger.maxTransactionAttempts", defaults.MaxTransactionAttempts)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy LedgerPolicy
	if err := v.UnmarshalKey("ledger", &policy); err != nil {
		return nil, err
	}
	if err := validateLedgerPolicy(policy); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LedgerPolicy
		if err := v.UnmarshalKey("ledger", &updated); err != nil {
			log.Printf("[ledger-policy] reload failed: %v", err)
			return
		}
		if err := validateLedgerPolicy(updated); err != nil {
			log.Printf("[ledger-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[ledger-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPolicyHolder wraps a fixed policy, mainly for tests.
func NewStaticPolicyHolder(policy LedgerPolicy) *PolicyHolder {
	holder := &PolicyHolder{}
	if policy.MaxTransactionAttempts == 0 {
		policy.MaxTransactionAttempts = DefaultLedgerPolicy().MaxTransactionAttempts
	}
	holder.current.Store(policy)
	return holder
}

func (h *PolicyHolder) Get() LedgerPolicy {
	return h.current.Load().(LedgerPolicy)
}

// Set replaces the current policy. Exposed for tests that flip the
// negative-balance switch at runtime.
func (h *PolicyHolder) Set(policy LedgerPolicy) error {
	if err := validateLedgerPolicy(policy); err != nil {
		return err
	}
	h.current.Store(policy)
	return nil
}

func validateLedgerPolicy(policy LedgerPolicy) error {
	if policy.MaxTransactionAttempts < 1 {
		return errors.New("ledger.maxTransactionAttempts must be at least 1")
	}
	return nil
}
