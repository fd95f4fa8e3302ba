package command

import (
	"fmt"
	"log/slog"

	"github.com/pixil98/go-entsync/internal/driver"
	"github.com/pixil98/go-entsync/internal/messaging"
	"github.com/pixil98/go-entsync/internal/replication"
	"github.com/pixil98/go-entsync/internal/view"
	"github.com/pixil98/go-service/service"
)

func BuildWorkers(config interface{}) (service.WorkerList, error) {
	cfg, ok := config.(*Config)
	if !ok {
		return nil, fmt.Errorf("unable to cast config")
	}
	nodeId := cfg.nodeId()

	registry, err := cfg.Schema.buildRegistry()
	if err != nil {
		return nil, fmt.Errorf("building class registry: %w", err)
	}

	subjects, err := cfg.Subjects.buildSubjects()
	if err != nil {
		return nil, fmt.Errorf("building subjects: %w", err)
	}

	workers := service.WorkerList{}

	var embedded *messaging.NatsServer
	if cfg.Nats.Embedded {
		embedded, err = cfg.Nats.buildNatsServer()
		if err != nil {
			return nil, fmt.Errorf("creating nats server: %w", err)
		}
		workers["nats"] = embedded
	}

	cache := view.NewCache()
	transport, err := cfg.Nats.buildTransport(nodeId, cfg.Nats.clientURL(embedded), subjects, cache)
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}
	workers["transport"] = transport

	logger := slog.Default().With("node", nodeId)
	opts := append(cfg.Sync.syncOpts(cfg.NodeType), replication.WithLogger(logger))
	sc := replication.NewSyncContext(registry, cache, transport, opts...)

	var loopOpts []driver.LoopOpt
	if d, ok := cfg.tickInterval(); ok {
		loopOpts = append(loopOpts, driver.WithInterval(d))
	}
	workers["sync"] = driver.NewLoop([]driver.Stage{
		replication.NewNode(sc, transport),
	}, loopOpts...)

	return workers, nil
}
