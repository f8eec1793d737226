package jobs

import (
	"time"

	"go.uber.org/zap"

	"github.com/altibiz/pidgeon/internal/cloud"
	"github.com/altibiz/pidgeon/internal/logger"
	"github.com/altibiz/pidgeon/internal/store"
)

const pushBatchSize = 1000

// Push ships up to pushBatchSize measurement rows persisted since the
// last successful push (oldest first), records the attempt's outcome as a log row, and advances the
// watermark only on success (a failed attempt is retried next cycle from
// the same last-pushed id).
func Push(services *Services) {
	log := logger.WithJob("push")

	lastPushed := int64(0)
	if last, err := services.Store.GetLastSuccessfulLog(store.LogPush); err != nil {
		log.Error("failed to look up last successful push", zap.Error(err))
		return
	} else if last != nil {
		lastPushed = last.Last
	}

	measurements, err := services.Store.GetMeasurements(lastPushed, pushBatchSize)
	if err != nil {
		log.Error("failed to load measurements to push", zap.Error(err))
		return
	}
	if len(measurements) == 0 {
		return
	}

	lastID := measurements[len(measurements)-1].ID

	cloudMeasurements := make([]cloud.Measurement, len(measurements))
	for i, m := range measurements {
		cloudMeasurements[i] = cloud.Measurement{DeviceID: m.Source, Timestamp: m.Timestamp, Data: m.Data}
	}

	status := store.LogSuccess
	response := ""
	resp, err := services.Cloud.Push(cloudMeasurements)
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
		Timestamp: time.Now().UTC(),
		Last:      lastID,
		Kind:      store.LogPush,
		Status:    status,
		Response:  response,
	}); err != nil {
		log.Error("failed to insert push log", zap.Error(err))
	}
}
