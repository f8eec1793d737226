package jobs

import (
	"time"

	"go.uber.org/zap"

	"github.com/altibiz/pidgeon/internal/logger"
)

// Daily marks any device not seen within the configured discovery
// timeout as Inactive: a device unreachable long enough stops being
// merely transient and is presumed removed from the site, distinct from
// the shorter-fused Unreachable status Ping assigns.
func Daily(services *Services) {
	log := logger.WithJob("daily")

	cfg, err := services.Config.Reload()
	if err != nil {
		log.Error("failed to reload config", zap.Error(err))
		return
	}

	cutoff := time.Now().UTC().Add(-time.Duration(cfg.Modbus.DiscoveryTimeoutMs) * time.Millisecond)
	count, err := services.Store.MarkInactiveSince(cutoff)
	if err != nil {
		log.Error("failed to mark inactive devices", zap.Error(err))
		return
	}

	log.Info("daily inactive sweep complete", zap.Int64("marked_inactive", count))
}
