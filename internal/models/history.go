package models

import "time"

// HistoryStatus is the per-destination delivery state.
type HistoryStatus string

const (
	HistoryFailedCreation    HistoryStatus = "FAILED_CREATION"
	HistoryProcessing        HistoryStatus = "PROCESSING"
	HistoryProcessingTimeout HistoryStatus = "PROCESSING_TIMEOUT"
	HistoryFailedProcessing  HistoryStatus = "FAILED_PROCESSING"
	HistorySuccess           HistoryStatus = "SUCCESS"
)

// IsFinal reports whether no further outcome is expected.
func (s HistoryStatus) IsFinal() bool {
	return s != HistoryProcessing
}

// NotificationHistory records one delivery attempt for (event, endpoint). The
// endpoint type and sub-type are snapshotted so the entry survives endpoint
// deletion.
type NotificationHistory struct {
	ID              string        `gorm:"primaryKey;size:36" json:"id"`
	EventID         string        `gorm:"index;size:36;not null" json:"event_id"`
	EndpointID      *string       `gorm:"index;size:36" json:"endpoint_id,omitempty"`
	EndpointType    EndpointType  `gorm:"size:50;not null" json:"endpoint_type"`
	EndpointSubType string        `gorm:"size:50" json:"endpoint_sub_type,omitempty"`
	InvocationTime  int64         `json:"invocation_time"`
	Status          HistoryStatus `gorm:"size:30;not null" json:"status"`
	Details         JSONMap       `json:"details"`
	Created         time.Time     `json:"created"`
	Updated         *time.Time    `json:"updated,omitempty"`
}

// TableName keeps the historical table name.
func (NotificationHistory) TableName() string {
	return "notification_history"
}
