package node

import (
	"time"

	"go.uber.org/zap"

	"github.com/eth-classic/kademlia/dht/identifier"
	"github.com/eth-classic/kademlia/kmetrics"
	"github.com/eth-classic/kademlia/mlog"
)

func (n *Node) cronLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.TCron)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.runCron()
		case <-n.stopCh:
			return
		}
	}
}

// runCron is spec §4.4's CRON loop body: refresh any bucket that has gone
// stale, then perform a self-lookup to keep the near neighborhood
// populated. Both are iterative lookups dispatched as background
// goroutines so a slow lookup never delays the next CRON tick or blocks
// shutdown from progressing past the current tick.
func (n *Node) runCron() {
	now := time.Now()
	for i := 0; i < identifier.NumBits; i++ {
		peers := n.table.BucketSnapshot(i)
		if len(peers) == 0 {
			continue
		}
		freshest := peers[len(peers)-1].LastSeen
		if now.Sub(freshest) < n.cfg.TStale {
			continue
		}
		bucketIdx := i
		randID := randomIDWithPrefix(n.localID, bucketIdx)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.IterativeFindNode(randID)
			mlog.Event(mlog.EventLookupRound).Debug("bucket refresh complete", zap.Int("bucket", bucketIdx))
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.IterativeFindNode(n.localID)
		mlog.Event(mlog.EventLookupRound).Debug("self lookup complete")
	}()

	kmetrics.RoutingTableSize.Update(int64(n.table.Size()))
}

// randomIDWithPrefix returns an id sharing local's first prefixLen bits
// and diverging at bit prefixLen, so identifier.BucketIndex(local, id) ==
// prefixLen: a random id within the bucket being refreshed (spec §4.4).
func randomIDWithPrefix(local identifier.ID, prefixLen int) identifier.ID {
	id := identifier.MustRandom()
	for bit := 0; bit < prefixLen; bit++ {
		setBit(&id, bit, getBit(local, bit))
	}
	setBit(&id, prefixLen, !getBit(local, prefixLen))
	return id
}

func getBit(id identifier.ID, bit int) bool {
	return id[bit/8]&(1<<uint(7-bit%8)) != 0
}

func setBit(id *identifier.ID, bit int, v bool) {
	mask := byte(1 << uint(7-bit%8))
	if v {
		id[bit/8] |= mask
	} else {
		id[bit/8] &^= mask
	}
}
