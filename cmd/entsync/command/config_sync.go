package command

import (
	"fmt"

	"github.com/pixil98/go-entsync/internal/replication"
	"github.com/pixil98/go-entsync/internal/rpc"
	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-errors"
)

type SyncConfig struct {
	MaxChangeHistory  int                `json:"max_change_history"`
	TearOffDelayTicks uint64             `json:"tear_off_delay_ticks"`
	RpcRingCapacity   int                `json:"rpc_ring_capacity"`
	RpcMaxAttempts    int                `json:"rpc_max_attempts"`
	RpcOverflow       rpc.OverflowPolicy `json:"rpc_overflow"`
}

func (c *SyncConfig) validate() error {
	el := errors.NewErrorList()

	if c.MaxChangeHistory < 0 {
		el.Add(fmt.Errorf("max_change_history must not be negative"))
	}
	if c.RpcRingCapacity < 0 {
		el.Add(fmt.Errorf("rpc_ring_capacity must not be negative"))
	}
	if c.RpcMaxAttempts < 0 {
		el.Add(fmt.Errorf("rpc_max_attempts must not be negative"))
	}

	return el.Err()
}

func (c *SyncConfig) syncOpts(nodeType schema.NodeType) []replication.SyncOpt {
	opts := []replication.SyncOpt{
		replication.WithNodeType(nodeType),
	}
	if c.MaxChangeHistory > 0 {
		opts = append(opts, replication.WithMaxChangeHistory(c.MaxChangeHistory))
	}
	if c.TearOffDelayTicks > 0 {
		opts = append(opts, replication.WithTearOffDelay(c.TearOffDelayTicks))
	}

	rpcOpts := []rpc.Opt{rpc.WithOverflowPolicy(c.RpcOverflow)}
	if c.RpcRingCapacity > 0 {
		rpcOpts = append(rpcOpts, rpc.WithRingCapacity(c.RpcRingCapacity))
	}
	if c.RpcMaxAttempts > 0 {
		rpcOpts = append(rpcOpts, rpc.WithMaxAttempts(c.RpcMaxAttempts))
	}

	return append(opts, replication.WithRpcOpts(rpcOpts...))
}
