package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/big14way/Bastion-sub002/internal/events"
	"github.com/big14way/Bastion-sub002/internal/storage"
	"github.com/big14way/Bastion-sub002/internal/tasks"
)

// SimulateTaskOptions describe a synthetic task event.
type SimulateTaskOptions struct {
	TaskIndex   uint64
	TaskType    uint8
	Asset       string
	Amount      string
	WindowHours int
}

// SimulateTask publishes a synthetic task event as if the on-chain watcher
// had observed it. A running operator picks it up over the bus.
func (a *App) SimulateTask(ctx context.Context, opts SimulateTaskOptions) error {
	taskType := storage.TaskType(opts.TaskType)
	if !taskType.Known() {
		return fmt.Errorf("unknown task type %d", opts.TaskType)
	}

	data, err := simulatedTaskData(taskType, opts)
	if err != nil {
		return err
	}

	redisClient, closeRedis, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis()

	bus := events.NewRedisBus(redisClient, a.Logger)
	event := events.TaskEvent{
		TaskIndex: opts.TaskIndex,
		TaskType:  opts.TaskType,
		TaskData:  data,
	}
	if err := bus.PublishTask(ctx, event); err != nil {
		return err
	}

	a.Logger.Info().
		Uint64("task_index", opts.TaskIndex).
		Str("task_type", taskType.String()).
		Msg("simulated task published")
	return nil
}

func simulatedTaskData(taskType storage.TaskType, opts SimulateTaskOptions) ([]byte, error) {
	switch taskType {
	case storage.TaskTypePriceVerification:
		if opts.Asset == "" {
			return nil, fmt.Errorf("--asset is required for %s", taskType)
		}
		return json.Marshal(tasks.PriceVerificationParams{Asset: opts.Asset})
	case storage.TaskTypeDepegDetection:
		return json.Marshal(tasks.DepegDetectionParams{Asset: opts.Asset})
	case storage.TaskTypeVolatilityCalc:
		if opts.Asset == "" {
			return nil, fmt.Errorf("--asset is required for %s", taskType)
		}
		window := opts.WindowHours
		if window <= 0 {
			window = 24
		}
		return json.Marshal(tasks.VolatilityParams{Asset: opts.Asset, WindowHours: window})
	case storage.TaskTypeRiskAssessment:
		if opts.Asset == "" {
			return nil, fmt.Errorf("--asset is required for %s", taskType)
		}
		amount := opts.Amount
		if amount == "" {
			amount = "0"
		}
		return json.Marshal(tasks.RiskAssessmentParams{Asset: opts.Asset, Amount: amount})
	default:
		return nil, fmt.Errorf("unknown task type %d", uint8(taskType))
	}
}
