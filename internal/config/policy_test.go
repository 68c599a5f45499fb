package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLedgerPolicy(t *testing.T) {
	policy := DefaultLedgerPolicy()
	assert.False(t, policy.AllowNegativeBalance)
	assert.Equal(t, 5, policy.MaxTransactionAttempts)
}

func TestStaticPolicyHolderNormalizesAttempts(t *testing.T) {
	holder := NewStaticPolicyHolder(LedgerPolicy{AllowNegativeBalance: true})
	policy := holder.Get()
	assert.True(t, policy.AllowNegativeBalance)
	assert.Equal(t, DefaultLedgerPolicy().MaxTransactionAttempts, policy.MaxTransactionAttempts)
}

func TestPolicyHolderSetValidates(t *testing.T) {
	holder := NewStaticPolicyHolder(DefaultLedgerPolicy())

	err := holder.Set(LedgerPolicy{MaxTransactionAttempts: 0})
	require.Error(t, err)
	assert.Equal(t, DefaultLedgerPolicy(), holder.Get(), "a rejected policy must not replace the current one")

	require.NoError(t, holder.Set(LedgerPolicy{AllowNegativeBalance: true, MaxTransactionAttempts: 3}))
	policy := holder.Get()
	assert.True(t, policy.AllowNegativeBalance)
	assert.Equal(t, 3, policy.MaxTransactionAttempts)
}
