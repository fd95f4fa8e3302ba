package replication

import (
	"context"

	"github.com/pixil98/go-entsync/internal/view"
)

// Node ticks a SyncContext against the change sets produced by a source.
type Node struct {
	sc     *SyncContext
	source view.Source
}

func NewNode(sc *SyncContext, source view.Source) *Node {
	return &Node{
		sc:     sc,
		source: source,
	}
}

func (n *Node) Context() *SyncContext {
	return n.sc
}

// Tick processes everything the source produced since the previous tick.
func (n *Node) Tick(ctx context.Context) error {
	sets := n.source.Poll()
	n.sc.Advance(ctx, sets)

	if len(sets) > 0 {
		n.sc.logger.DebugContext(ctx, "sync tick",
			"tick", n.sc.Tick(),
			"views", len(sets),
			"objects", n.sc.ObjectCount(),
			"pending_refs", n.sc.refs.WaitingRefs())
	}
	return nil
}
