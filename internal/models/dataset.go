package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DatasetStatusLoading = "loading"
	DatasetStatusReady   = "ready"
	DatasetStatusError   = "error"
)

// DatasetColumn is one entry in a dataset's schema descriptor.
type DatasetColumn struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	SampleValues []string `json:"sample_values,omitempty"`
	NullCount    *int64   `json:"null_count,omitempty"`
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	UniqueCount  *int64   `json:"unique_count,omitempty"`
}

// Dataset is a data file loaded into a conversation's query catalog.
type Dataset struct {
	ID              uuid.UUID         `json:"id"`
	ConversationID  uuid.UUID         `json:"conversation_id"`
	URL             string            `json:"url"`
	TableName       string            `json:"table_name"`
	RowCount        int64             `json:"row_count"`
	ColumnCount     int               `json:"column_count"`
	Schema          []DatasetColumn   `json:"schema"`
	Status          string            `json:"status"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	LoadedAt        time.Time         `json:"loaded_at"`
	FileSizeBytes   *int64            `json:"file_size_bytes,omitempty"`
	ColumnDescriptions map[string]string `json:"column_descriptions,omitempty"`
}
