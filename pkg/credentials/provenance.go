package credentials

import (
	"context"

	"github.com/chunkstar/agentanchor-app/pkg/store"
)

// ChainProvenance anchors credentials to the agent's latest truth chain
// entry.
type ChainProvenance struct {
	chain *store.AuditStore
}

func NewChainProvenance(chain *store.AuditStore) *ChainProvenance {
	return &ChainProvenance{chain: chain}
}

// Anchor implements ProvenanceSource. Agents with no chain history have no
// anchor.
func (p *ChainProvenance) Anchor(ctx context.Context, agentID string) (ProvenanceAnchor, bool, error) {
	if err := ctx.Err(); err != nil {
		return ProvenanceAnchor{}, false, err
	}
	entry, ok := p.chain.Latest("agent:" + agentID)
	if !ok {
		return ProvenanceAnchor{}, false, nil
	}
	return ProvenanceAnchor{TruthChainHash: entry.EntryHash, BlockHeight: entry.Sequence}, true, nil
}
