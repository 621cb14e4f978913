package entities

import (
	"fmt"
	"time"

	"resonance-backend/domain/core/valueobjects"
)

const (
	MinWeight = 1
	MaxWeight = 10
)

// Connection is one directed row of a similarity edge. Every unordered pair is
// stored as two rows that carry the same weight and description.
//
// The JSON shape of fromId, toId, weight and description is read by the
// graph view and must stay stable.
type Connection struct {
	FromID      string    `json:"fromId" dynamodbav:"FromID"`
	ToID        string    `json:"toId" dynamodbav:"ToID"`
	Weight      int       `json:"weight" dynamodbav:"Weight"`
	Description string    `json:"description" dynamodbav:"Description"`
	CommunityID string    `json:"communityId" dynamodbav:"CommunityID"`
	ComputedAt  time.Time `json:"computedAt" dynamodbav:"ComputedAt"`
}

// NewConnectionPair returns both directed rows for the pair (a, b).
func NewConnectionPair(communityID, a, b string, weight int, description string, computedAt time.Time) [2]Connection {
	forward := Connection{
		FromID:      a,
		ToID:        b,
		Weight:      ClampWeight(weight),
		Description: description,
		CommunityID: communityID,
		ComputedAt:  computedAt,
	}
	return [2]Connection{forward, forward.Reverse()}
}

// Reverse returns the opposite direction of the edge.
func (c Connection) Reverse() Connection {
	r := c
	r.FromID, r.ToID = c.ToID, c.FromID
	return r
}

// Pair returns the canonical unordered key of the edge.
func (c Connection) Pair() valueobjects.PairKey {
	return valueobjects.NewPairKey(c.FromID, c.ToID)
}

// HasValidWeight reports whether Weight is inside [MinWeight, MaxWeight].
func (c Connection) HasValidWeight() bool {
	return c.Weight >= MinWeight && c.Weight <= MaxWeight
}

func (c Connection) String() string {
	return fmt.Sprintf("%s->%s(%d)", c.FromID, c.ToID, c.Weight)
}

// ClampWeight forces w into [MinWeight, MaxWeight].
func ClampWeight(w int) int {
	return max(MinWeight, min(MaxWeight, w))
}
