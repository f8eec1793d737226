package jobs

import (
	"time"

	"go.uber.org/zap"

	"github.com/altibiz/pidgeon/internal/logger"
)

const logRetention = 30 * 24 * time.Hour

// Nightly prunes push/update log rows older than the retention window,
// keeping each kind's most recent successful entry regardless of age so
// Push and Update can still resume from the right watermark.
func Nightly(services *Services) {
	log := logger.WithJob("nightly")

	cutoff := time.Now().UTC().Add(-logRetention)
	if err := services.Store.PruneLogs(cutoff); err != nil {
		log.Error("failed to prune logs", zap.Error(err))
		return
	}

	log.Info("nightly log prune complete", zap.Time("cutoff", cutoff))
}
