package events

import (
	"time"
)

// Event sources
const (
	SourceSimilarity     = "resonance.similarity"
	SourceProfileService = "resonance.profiles"
)

// Event types
const (
	TypeGraphRecomputed = "similarity.graph.recomputed"
	TypeUserRecomputed  = "similarity.user.recomputed"
	TypeWeightsRepaired = "similarity.weights.repaired"

	// Consumed from the profile service.
	TypeProfileUpdated = "profile.updated"
)

// DomainEvent is anything that can be published on the event bus.
type DomainEvent interface {
	GetEventType() string
	GetAggregateID() string
	GetTimestamp() time.Time
}

// BaseEvent carries the envelope fields shared by all events.
type BaseEvent struct {
	AggregateID string    `json:"aggregateId"`
	EventType   string    `json:"eventType"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"`
}

func (e BaseEvent) GetEventType() string    { return e.EventType }
func (e BaseEvent) GetAggregateID() string  { return e.AggregateID }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }

func newBase(eventType, aggregateID string) BaseEvent {
	return BaseEvent{
		AggregateID: aggregateID,
		EventType:   eventType,
		Timestamp:   time.Now().UTC(),
		Version:     1,
	}
}

// GraphRecomputedEvent is emitted when a full recompute finishes or stops early.
type GraphRecomputedEvent struct {
	BaseEvent
	CommunityID    string `json:"communityId"`
	PairsProcessed int    `json:"pairsProcessed"`
	EdgesWritten   int    `json:"edgesWritten"`
	PairsFailed    int    `json:"pairsFailed"`
	Completed      bool   `json:"completed"`
	DurationMs     int64  `json:"durationMs"`
}

func NewGraphRecomputedEvent(communityID string, pairs, edges, failed int, completed bool, durationMs int64) *GraphRecomputedEvent {
	return &GraphRecomputedEvent{
		BaseEvent:      newBase(TypeGraphRecomputed, communityID),
		CommunityID:    communityID,
		PairsProcessed: pairs,
		EdgesWritten:   edges,
		PairsFailed:    failed,
		Completed:      completed,
		DurationMs:     durationMs,
	}
}

// UserRecomputedEvent is emitted after a single user's edges were replaced.
type UserRecomputedEvent struct {
	BaseEvent
	CommunityID     string   `json:"communityId"`
	UserID          string   `json:"userId"`
	EdgesWritten    int      `json:"edgesWritten"`
	AffectedUserIDs []string `json:"affectedUserIds"`
}

func NewUserRecomputedEvent(communityID, userID string, edges int, affected []string) *UserRecomputedEvent {
	return &UserRecomputedEvent{
		BaseEvent:       newBase(TypeUserRecomputed, communityID+"#"+userID),
		CommunityID:     communityID,
		UserID:          userID,
		EdgesWritten:    edges,
		AffectedUserIDs: affected,
	}
}

// WeightsRepairedEvent is emitted when the integrity pass corrected rows.
type WeightsRepairedEvent struct {
	BaseEvent
	CommunityID string `json:"communityId,omitempty"`
	Scanned     int    `json:"scanned"`
	Corrected   int    `json:"corrected"`
}

func NewWeightsRepairedEvent(communityID string, scanned, corrected int) *WeightsRepairedEvent {
	aggregate := communityID
	if aggregate == "" {
		aggregate = "all"
	}
	return &WeightsRepairedEvent{
		BaseEvent:   newBase(TypeWeightsRepaired, aggregate),
		CommunityID: communityID,
		Scanned:     scanned,
		Corrected:   corrected,
	}
}

// ProfileUpdatedDetail is the detail payload of profile.updated events.
type ProfileUpdatedDetail struct {
	UserID      string    `json:"userId"`
	CommunityID string    `json:"communityId"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
