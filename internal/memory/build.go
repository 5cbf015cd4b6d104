package memory

import (
	"github.com/hpungsan/mneme/internal/bufferzone"
	"github.com/hpungsan/mneme/internal/character"
	"github.com/hpungsan/mneme/internal/compress"
	"github.com/hpungsan/mneme/internal/config"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/logging"
	"github.com/hpungsan/mneme/internal/persist"
	"github.com/hpungsan/mneme/internal/registry"
	"github.com/hpungsan/mneme/internal/summarize"
)

// NewFromConfig wires the full stack over store. Events go to the log and,
// when store also implements persist.EventLog, to the event log table.
// Call Start before use and Close on shutdown.
func NewFromConfig(cfg *config.Config, store persist.Store, s summarize.Summarizer, catalog *character.Catalog, log logging.Logger) (*Manager, error) {
	if log == nil {
		log = logging.Nop()
	}

	sinks := []events.Sink{events.NewLogSink(log)}
	if el, ok := store.(persist.EventLog); ok {
		sinks = append(sinks, events.NewStoreSink(el))
	}
	bus := events.NewBus(cfg.EventBufferSize, log, sinks...)
	queue := persist.NewQueue(store, cfg.PersistQueueSize, log)

	reg := registry.New(queue, registry.Options{
		IdleTimeout:        cfg.SessionIdleTimeout(),
		PersistEveryNTurns: cfg.PersistEveryNTurns,
		Log:                log,
		Events:             bus,
	})
	engine := compress.New(s, queue, compress.Options{
		RecentTurnsKeep: cfg.RecentTurnsKeep,
		Timeout:         cfg.CompactionTimeout(),
		Log:             log,
		Events:          bus,
	})
	coord := bufferzone.New(engine, bufferzone.Options{
		MaxContextTokens: cfg.MaxContextTokens,
		StartThreshold:   cfg.CompressionStartThreshold,
		ResetThreshold:   cfg.ContextResetThreshold,
		RecentTurnsKeep:  cfg.RecentTurnsKeep,
		Timeout:          cfg.CompactionTimeout(),
		Log:              log,
		Events:           bus,
	})

	m := New(Deps{
		Registry:    reg,
		Engine:      engine,
		Coordinator: coord,
		Queue:       queue,
		Characters:  catalog,
		Bus:         bus,
	}, Options{
		RecentTurnsKeep: cfg.RecentTurnsKeep,
		Log:             log,
	})

	sweeper, err := registry.NewSweeper(cfg.ExpirySweepSchedule, func() { m.ExpireIdleSessions() }, log)
	if err != nil {
		return nil, err
	}
	m.sweeper = sweeper
	return m, nil
}
