package graph

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/zeebo/blake3"
)

// StatusFingerprint is the stall-detection key: sorted id:status pairs
// joined with "|". It depends on node statuses only, never on key order.
func StatusFingerprint(g *Graph) string {
	pairs := make([]string, 0, len(g.Nodes))
	for _, id := range g.SortedNodeIDs() {
		pairs = append(pairs, id+":"+string(g.Nodes[id].Status))
	}
	return strings.Join(pairs, "|")
}

// StatusDigest is the compact form of the fingerprint for logs and events.
func StatusDigest(g *Graph) string {
	sum := blake3.Sum256([]byte(StatusFingerprint(g)))
	return hex.EncodeToString(sum[:8])
}

// Clone returns a deep copy. The scheduler mutates only copies.
func (g *Graph) Clone() (*Graph, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	var out Graph
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
