package domain

import "time"

type ConnectionStatus string

const (
	ConnectionStatusPending   ConnectionStatus = "pending"
	ConnectionStatusConfirmed ConnectionStatus = "confirmed"
	ConnectionStatusDenied    ConnectionStatus = "denied"
)

type StagedStatus string

const (
	StagedStatusPending   StagedStatus = "pending"
	StagedStatusSaving    StagedStatus = "saving"
	StagedStatusSaved     StagedStatus = "saved"
	StagedStatusDiscarded StagedStatus = "discarded"
	StagedStatusError     StagedStatus = "error"
)

// PendingConnection is one source awaiting (or past) operator confirmation.
// One entry per source address; a resolved entry is replaced wholesale when
// the same source shows up again.
type PendingConnection struct {
	Source    string           `json:"source"`
	Identity  string           `json:"identity"`
	CreatedAt time.Time        `json:"created_at"`
	Status    ConnectionStatus `json:"status"`
}

// ActiveConnection is a confirmed peer in the bounded active registry.
type ActiveConnection struct {
	Source      string    `json:"source"`
	Identity    string    `json:"identity"`
	ConnectedAt time.Time `json:"connected_at"`
}

// StagedFile is a received file held in the temp directory until the
// operator saves or discards it. It never resolves on its own.
type StagedFile struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	TempPath   string       `json:"temp_path"`
	FinalPath  string       `json:"final_path,omitempty"`
	Size       int64        `json:"size"`
	ReceivedAt time.Time    `json:"received_at"`
	Status     StagedStatus `json:"status"`
}
