package errutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasStatus(t *testing.T) {
	err := BudgetExceeded("campaign budget exceeded")
	require.True(t, HasStatus(err, StatusBudgetExceeded))
	require.False(t, HasStatus(err, StatusNotFound))

	wrapped := fmt.Errorf("grant failed: %w", err)
	require.True(t, HasStatus(wrapped, StatusBudgetExceeded))

	require.False(t, HasStatus(nil, StatusBudgetExceeded))
	require.False(t, HasStatus(errors.New("plain"), StatusBudgetExceeded))
}

func TestErrorMessageCarriesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Retryable("processor lookup failed", WithErr(cause))

	require.Contains(t, err.Error(), "RETRYABLE")
	require.Contains(t, err.Error(), "connection refused")
	require.True(t, errors.Is(err, cause))
}
