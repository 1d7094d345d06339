package model

import (
	"encoding/json"
	"fmt"
)

// Queue names on the message bus
const (
	ManagerQueue         = "manager"
	ClientQueue          = "client"
	ManagerResponseQueue = "manager_response"
)

// StorageQueue returns the ingest queue of a storage node
func StorageQueue(nodeID int) string {
	return fmt.Sprintf("storage_%d", nodeID)
}

// StorageQueryQueue returns the query/control queue of a storage node
func StorageQueryQueue(nodeID int) string {
	return fmt.Sprintf("storage_%d_query", nodeID)
}

// Client commands accepted on the manager queue
const (
	CommandLoad     = "LOAD"
	CommandGet      = "GET"
	CommandShutdown = "SHUTDOWN"
)

// Command is a client request to the manager
type Command struct {
	Command   string `json:"command"`
	File      string `json:"file,omitempty"`
	Format    string `json:"format,omitempty"`
	Date      string `json:"date,omitempty"`
	StorageID *int   `json:"storageId,omitempty"`
}

// ClientReply is what the client receives on its queue
type ClientReply struct {
	Date  string          `json:"date,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewDataReply builds a successful reply carrying v as data
func NewDataReply(date string, v interface{}) (ClientReply, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ClientReply{}, fmt.Errorf("failed to marshal reply data: %w", err)
	}
	return ClientReply{Date: date, Data: data}, nil
}

// NewErrorReply builds an error reply
func NewErrorReply(err error) ClientReply {
	return ClientReply{Error: err.Error()}
}

// RequestKind identifies what a storage query-channel message asks for
type RequestKind string

const (
	RequestKindQuery       RequestKind = "query"
	RequestKindDump        RequestKind = "dump"
	RequestKindHealthCheck RequestKind = "health_check"
	RequestKindForward     RequestKind = "forward"
	RequestKindClear       RequestKind = "clear"
	RequestKindShutdown    RequestKind = "shutdown"
	RequestKindUnknown     RequestKind = "unknown"
)

// StorageRequest is a message on a storage node's query/control queue
type StorageRequest struct {
	Date          string `json:"date,omitempty"`
	GetAllData    bool   `json:"getAllData,omitempty"`
	HealthCheck   bool   `json:"healthCheck,omitempty"`
	RecoverData   bool   `json:"recoverData,omitempty"`
	Target        *int   `json:"target,omitempty"`
	ClearReplica  bool   `json:"clearReplica,omitempty"`
	Shutdown      bool   `json:"shutdown,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Kind classifies the request
func (r StorageRequest) Kind() RequestKind {
	switch {
	case r.HealthCheck:
		return RequestKindHealthCheck
	case r.GetAllData:
		return RequestKindDump
	case r.RecoverData:
		return RequestKindForward
	case r.ClearReplica:
		return RequestKindClear
	case r.Shutdown:
		return RequestKindShutdown
	case r.Date != "":
		return RequestKindQuery
	default:
		return RequestKindUnknown
	}
}

// StatusAlive is the health-check acknowledgment
const StatusAlive = "alive"

// StorageResponse is a correlated answer from a storage node
type StorageResponse struct {
	CorrelationID string              `json:"correlationId"`
	StorageID     int                 `json:"storageId"`
	Status        string              `json:"status,omitempty"`
	Date          string              `json:"date,omitempty"`
	Records       []Record            `json:"data,omitempty"`
	Dataset       map[string][]Record `json:"dataset,omitempty"`
	Transferred   *bool               `json:"transferred,omitempty"`
	Error         string              `json:"error,omitempty"`
}
