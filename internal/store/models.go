package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	AvatarURL             string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Resource is a learning resource attached to a roadmap node.
type Resource struct {
	Label string `json:"label"`
	Type  string `json:"type"`
	URL   string `json:"url"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one milestone in a roadmap graph. Its ID is local to the roadmap.
type Node struct {
	ID          string          `json:"id"`
	Label       string          `json:"label"`
	Description string          `json:"description,omitempty"`
	Resources   []Resource      `json:"resources,omitempty"`
	Position    Position        `json:"position"`
	Type        string          `json:"type,omitempty"`
	Style       json.RawMessage `json:"style,omitempty"`
}

// Edge connects two nodes by their local IDs. Cycles are permitted; node
// order carries no topological meaning.
type Edge struct {
	ID       string          `json:"id"`
	Source   string          `json:"source"`
	Target   string          `json:"target"`
	Label    string          `json:"label,omitempty"`
	Type     string          `json:"type,omitempty"`
	Animated bool            `json:"animated,omitempty"`
	Style    json.RawMessage `json:"style,omitempty"`
}

// Roadmap is a graph-shaped learning path. Nodes and edges are stored as
// JSONB documents so the whole graph serializes independently; FollowerCount
// is a denormalized cache maintained by the follow transaction.
type Roadmap struct {
	ID            string
	Name          string
	Description   string
	Nodes         []Node
	Edges         []Edge
	FollowerCount int
	ChatRoomID    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Milestone status values. Validated at the HTTP boundary.
const (
	StatusPending    = "pending"
	StatusInProgress = "inProgress"
	StatusDone       = "done"
	StatusSkipped    = "skipped"
)

type MilestoneState struct {
	MilestoneID string `json:"milestoneId"`
	Status      string `json:"status"`
}

// FollowRecord says "user follows roadmap". At most one per (user, roadmap)
// pair, enforced by a unique constraint.
type FollowRecord struct {
	ID              string
	UserID          string
	RoadmapID       string
	MilestoneStates []MilestoneState
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ChatRoom struct {
	ID        string
	Name      string
	Type      string
	RoadmapID *string
	CreatedAt time.Time
}

type ChatMessage struct {
	ID        string
	RoomID    string
	UserID    string
	UserName  string
	Body      string
	ReplyToID *string
	Upvotes   int
	CreatedAt time.Time
}
