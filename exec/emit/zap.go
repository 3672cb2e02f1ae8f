package emit

import "go.uber.org/zap"

// ZapEmitter writes events through a zap structured logger.
//
// Run, step, work, and node identifiers become typed fields; Meta entries
// are flattened alongside them. Lifecycle and throttling events log at Info,
// circuit transitions at Warn.
//
// Usage:
//
//	logger, _ := zap.NewProduction()
//	defer logger.Sync()
//	emitter := emit.NewZapEmitter(logger)
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates a ZapEmitter. A nil logger falls back to zap.NewNop.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger}
}

// Emit logs one event.
func (z *ZapEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 4+len(event.Meta))
	fields = append(fields, zap.String("run_id", event.RunID))
	if event.Step > 0 {
		fields = append(fields, zap.Int("step", event.Step))
	}
	if event.WorkID != 0 {
		fields = append(fields, zap.Uint64("work_id", event.WorkID))
	}
	if event.NodeID != "" {
		fields = append(fields, zap.String("node_id", event.NodeID))
	}
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}

	switch event.Msg {
	case MsgCircuitStateChanged, MsgBudgetExhausted:
		z.logger.Warn(event.Msg, fields...)
	default:
		z.logger.Info(event.Msg, fields...)
	}
}
