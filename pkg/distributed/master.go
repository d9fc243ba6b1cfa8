package distributed

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/pkg/api"
)

// MasterTransport runs collectives through the controller's all-gather endpoint. It needs no
// connectivity between the workers themselves, so it suits low-frequency coordination.
type MasterTransport struct {
	session      *api.Session
	allocationID string
	rank         int
	size         int
}

type rankedPayload struct {
	Rank int    `json:"rank"`
	Data []byte `json:"data"`
}

// NewMasterTransport builds a transport for one rank of the allocation.
func NewMasterTransport(session *api.Session, allocationID string, rank, size int) *MasterTransport {
	return &MasterTransport{session: session, allocationID: allocationID, rank: rank, size: size}
}

// AllGather implements Transport. The controller answers in arrival order, so every payload
// carries its rank and the result is sorted back into rank order.
func (t *MasterTransport) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	payload, err := json.Marshal(rankedPayload{Rank: t.rank, Data: data})
	if err != nil {
		return nil, err
	}
	resp, err := t.session.AllGather(ctx, t.allocationID, api.AllGatherRequest{
		RequestUUID: uuid.New().String(),
		NumPeers:    t.size,
		Data:        payload,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != t.size {
		return nil, errors.Errorf("controller returned %d payloads for %d peers", len(resp.Data), t.size)
	}

	ranked := make([]rankedPayload, 0, len(resp.Data))
	for _, raw := range resp.Data {
		var p rankedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, "decoding all-gather payload")
		}
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })

	out := make([][]byte, t.size)
	for i, p := range ranked {
		if p.Rank != i {
			return nil, errors.Errorf("all-gather is missing rank %d", i)
		}
		out[i] = p.Data
	}
	return out, nil
}

// Close implements Transport.
func (t *MasterTransport) Close() error {
	return nil
}
