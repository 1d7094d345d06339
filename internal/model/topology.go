package model

import "time"

// NodeStatus is the manager's view of a storage node
type NodeStatus string

const (
	NodeStatusHealthy NodeStatus = "healthy"
	NodeStatusDead    NodeStatus = "dead"
)

// NodeHealth is a snapshot of one node's health as seen by the manager
type NodeHealth struct {
	NodeID      int        `json:"node_id"`
	Status      NodeStatus `json:"status"`
	Recovering  bool       `json:"recovering"`
	LastHealthy time.Time  `json:"last_healthy,omitempty"`
	LastProbe   time.Time  `json:"last_probe,omitempty"`
	Absorbed    []int      `json:"absorbed,omitempty"` // failed nodes remapped onto this one
}

// Placement is the (primary, replica) pair backing a date
type Placement struct {
	Primary int `json:"primary"`
	Replica int `json:"replica"`
}

// Contains reports whether the node backs this placement
func (p Placement) Contains(nodeID int) bool {
	return p.Primary == nodeID || p.Replica == nodeID
}

// Sibling returns the other node of the pair
func (p Placement) Sibling(nodeID int) int {
	if p.Primary == nodeID {
		return p.Replica
	}
	return p.Primary
}

// RecoveryReport summarizes one run of the recovery protocol
type RecoveryReport struct {
	FailedNode   int       `json:"failed_node"`
	Relocated    []string  `json:"relocated,omitempty"`
	Lost         []string  `json:"lost,omitempty"`
	Abandoned    []string  `json:"abandoned,omitempty"`
	RecordsMoved int       `json:"records_moved"`
	Transferred  bool      `json:"transferred"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}
