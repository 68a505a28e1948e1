// Package stats defines aggregate system counters.
package stats

import (
	"time"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/ledger"
)

// SystemStats is the derived aggregate view over the ledger, regenerated on
// demand by the store.
type SystemStats struct {
	TotalDeposited ledger.Amount `json:"totalDeposited"`
	TotalReleased  ledger.Amount `json:"totalReleased"`
	TotalLocked    ledger.Amount `json:"totalLocked"`
	TotalDisputed  ledger.Amount `json:"totalDisputed"`
	ActiveTasks    int           `json:"activeTasks"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}
