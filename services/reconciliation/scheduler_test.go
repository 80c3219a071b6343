package reconciliation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextAuditTime(t *testing.T) {
	s := &Scheduler{auditHour: 3, auditMinute: 30}

	morning := time.Date(2026, 8, 31, 1, 0, 0, 0, time.UTC)
	next := s.nextAuditTime(morning)
	require.Equal(t, time.Date(2026, 8, 31, 3, 30, 0, 0, time.UTC), next)

	afternoon := time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC)
	next = s.nextAuditTime(afternoon)
	require.Equal(t, time.Date(2026, 9, 1, 3, 30, 0, 0, time.UTC), next)

	exactly := time.Date(2026, 8, 31, 3, 30, 0, 0, time.UTC)
	next = s.nextAuditTime(exactly)
	require.Equal(t, time.Date(2026, 9, 1, 3, 30, 0, 0, time.UTC), next)
}
