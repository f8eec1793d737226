package jobs

import (
	"time"

	"go.uber.org/zap"

	"github.com/altibiz/pidgeon/internal/cloud"
	"github.com/altibiz/pidgeon/internal/logger"
	"github.com/altibiz/pidgeon/internal/store"
)

// Update reports the fleet's current device status snapshot to the cloud
// backend's /update endpoint, the same shape as Push but sourced from
// live device state rather than a row-watermarked measurement table —
// there is nothing to resume from, so Log.Last is always 0 for these
// entries, as it is for the health job's.
func Update(services *Services) {
	log := logger.WithJob("update")

	devices, err := services.Store.ListDevices()
	if err != nil {
		log.Error("failed to list devices", zap.Error(err))
		return
	}
	if len(devices) == 0 {
		return
	}

	now := time.Now().UTC()
	health := make([]cloud.Health, len(devices))
	for i, d := range devices {
		health[i] = cloud.Health{
			DeviceID:  d.ID,
			Timestamp: now,
			Data: map[string]any{
				"status": string(d.Status),
				"seen":   d.Seen,
			},
		}
	}

	status := store.LogSuccess
	response := ""
	resp, err := services.Cloud.Update(health)
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
		log.Error("failed to insert update log", zap.Error(err))
	}
}
