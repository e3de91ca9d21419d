package main

import (
	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/common/config"
	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/events/bus"
)

// newEventBus picks NATS when configured, the in-memory bus otherwise.
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Connected to NATS event bus")
		return natsBus, natsBus.Close, nil
	}
	log.Info("Using in-memory event bus")
	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
