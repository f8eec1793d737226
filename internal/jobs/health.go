package jobs

import (
	"time"

	"go.uber.org/zap"

	"github.com/altibiz/pidgeon/internal/cloud"
	"github.com/altibiz/pidgeon/internal/logger"
	"github.com/altibiz/pidgeon/internal/store"
)

// Health reports the gateway's own onboard temperature reading, when a
// sensor is configured, as a single synchronous cloud.Update call (not
// batched against any row watermark, matching the original
// temperature-only health check this job is grounded on).
func Health(services *Services) {
	log := logger.WithJob("health")

	if services.Temperature == nil {
		return
	}

	temperature, err := services.Temperature.ReadCelsius()
	if err != nil {
		log.Error("failed to read temperature sensor", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	resp, err := services.Cloud.Update([]cloud.Health{{
		DeviceID:  "gateway",
		Timestamp: now,
		Data:      map[string]any{"temperature": temperature},
	}})

	status := store.LogSuccess
	response := ""
	switch {
	case err != nil:
		status = store.LogFailure
		response = err.Error()
	case !resp.Success:
		status = store.LogFailure
		response = resp.Text
	default:
		response = resp.Text
	}

	if err := services.Store.InsertLog(store.Log{
		Timestamp: now,
		Last:      0,
		Kind:      store.LogUpdate,
		Status:    status,
		Response:  response,
	}); err != nil {
		log.Error("failed to insert health log", zap.Error(err))
	}
}
