package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/models"
)

const datasetSelectColumns = `
	id, conversation_id, url, table_name, row_count, column_count, schema,
	status, error_message, file_size_bytes, column_descriptions, loaded_at`

func scanDataset(scan func(dest ...interface{}) error) (*models.Dataset, error) {
	var ds models.Dataset
	var schemaJSON []byte
	var errorMessage sql.NullString
	var fileSizeBytes sql.NullInt64
	var columnDescriptionsJSON []byte

	err := scan(
		&ds.ID, &ds.ConversationID, &ds.URL, &ds.TableName, &ds.RowCount, &ds.ColumnCount,
		&schemaJSON, &ds.Status, &errorMessage, &fileSizeBytes, &columnDescriptionsJSON, &ds.LoadedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &ds.Schema); err != nil {
			return nil, err
		}
	}
	if errorMessage.Valid {
		ds.ErrorMessage = &errorMessage.String
	}
	if fileSizeBytes.Valid {
		ds.FileSizeBytes = &fileSizeBytes.Int64
	}
	if len(columnDescriptionsJSON) > 0 {
		if err := json.Unmarshal(columnDescriptionsJSON, &ds.ColumnDescriptions); err != nil {
			return nil, err
		}
	}

	return &ds, nil
}

// CreateDataset inserts a dataset row in "loading" status, ahead of schema
// extraction completing in the background.
func (db *DB) CreateDataset(ctx context.Context, conversationID uuid.UUID, url, tableName string) (*models.Dataset, error) {
	query := `
		INSERT INTO datasets (conversation_id, url, table_name, status, schema)
		VALUES ($1, $2, $3, $4, '[]')
		RETURNING ` + datasetSelectColumns

	ds, err := scanDataset(db.QueryRowContext(ctx, query, conversationID, url, tableName, models.DatasetStatusLoading).Scan)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, apperr.New(apperr.ErrDuplicateDataset, "dataset with this table name already exists in conversation")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return ds, nil
}

// UpdateDatasetReady marks a dataset ready and stores its extracted schema.
func (db *DB) UpdateDatasetReady(ctx context.Context, datasetID uuid.UUID, rowCount int64, schema []models.DatasetColumn, fileSizeBytes *int64) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrInternalServer)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE datasets
		SET status = $2, row_count = $3, column_count = $4, schema = $5, file_size_bytes = $6, error_message = NULL, loaded_at = now()
		WHERE id = $1`,
		datasetID, models.DatasetStatusReady, rowCount, len(schema), schemaJSON, fileSizeBytes,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

// UpdateDatasetError marks a dataset's load as failed.
func (db *DB) UpdateDatasetError(ctx context.Context, datasetID uuid.UUID, errMsg string) error {
	result, err := db.ExecContext(ctx, `
		UPDATE datasets SET status = $2, error_message = $3 WHERE id = $1`,
		datasetID, models.DatasetStatusError, errMsg,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

// UpdateDatasetColumnDescriptions stores LLM/user-provided column descriptions
// used to enrich the orchestrator's schema context.
func (db *DB) UpdateDatasetColumnDescriptions(ctx context.Context, datasetID uuid.UUID, descriptions map[string]string) error {
	descJSON, err := json.Marshal(descriptions)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrInternalServer)
	}
	result, err := db.ExecContext(ctx, `UPDATE datasets SET column_descriptions = $2 WHERE id = $1`, datasetID, descJSON)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

// GetDataset retrieves a dataset by ID.
func (db *DB) GetDataset(ctx context.Context, datasetID uuid.UUID) (*models.Dataset, error) {
	ds, err := scanDataset(db.QueryRowContext(ctx, `SELECT `+datasetSelectColumns+` FROM datasets WHERE id = $1`, datasetID).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrDatasetNotFound, "dataset not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return ds, nil
}

// GetConversationDatasets retrieves all datasets loaded into a conversation.
func (db *DB) GetConversationDatasets(ctx context.Context, conversationID uuid.UUID) ([]models.Dataset, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+datasetSelectColumns+` FROM datasets WHERE conversation_id = $1 ORDER BY loaded_at ASC`, conversationID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	defer rows.Close()

	var datasets []models.Dataset
	for rows.Next() {
		ds, err := scanDataset(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
		}
		datasets = append(datasets, *ds)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return datasets, nil
}

// CountConversationDatasets returns how many datasets are loaded into a
// conversation, used to enforce the per-conversation dataset cap.
func (db *DB) CountConversationDatasets(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM datasets WHERE conversation_id = $1`, conversationID).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return count, nil
}

// DeleteDataset removes a dataset from a conversation's catalog.
func (db *DB) DeleteDataset(ctx context.Context, datasetID uuid.UUID) error {
	result, err := db.ExecContext(ctx, `DELETE FROM datasets WHERE id = $1`, datasetID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

func isDuplicateKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}
