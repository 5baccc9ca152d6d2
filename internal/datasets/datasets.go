// Package datasets implements the dataset catalog: adding a URL-sourced
// table to a conversation, re-extracting its schema, and removing it,
// backed by the query engine worker pool and the database layer.
package datasets

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/database"
	"chatdf/backend/internal/models"
	"chatdf/backend/internal/queryengine"
	"chatdf/backend/internal/workerpool"
)

const maxDatasetsPerConversation = 50

// Catalog manages datasets registered against conversations, serializing
// concurrent add-dataset calls per conversation so auto-generated table
// names never collide.
type Catalog struct {
	db         *database.DB
	pool       *workerpool.Pool
	uploadsDir string

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// New builds a Catalog. uploadsDir scopes the path-traversal guard applied
// when removing file://-backed datasets.
func New(db *database.DB, pool *workerpool.Pool, uploadsDir string) *Catalog {
	return &Catalog{
		db:         db,
		pool:       pool,
		uploadsDir: uploadsDir,
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

func (c *Catalog) lockFor(conversationID uuid.UUID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[conversationID] = l
	}
	return l
}

// ValidateURL is a synchronous, pure check that a dataset URL is
// well-formed. file:// is rejected here — only the upload endpoint
// produces file:// URIs, and it does so internally.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return apperr.New(apperr.ErrInvalidURL, "url is required")
	}
	if strings.ContainsAny(rawURL, " \t\n\r") {
		return apperr.New(apperr.ErrInvalidURL, "url must not contain whitespace")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return apperr.New(apperr.ErrInvalidURL, "invalid url format")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return apperr.New(apperr.ErrInvalidURL, "url must use http or https")
	}
	if parsed.Host == "" {
		return apperr.New(apperr.ErrInvalidURL, "url must include a host")
	}
	return nil
}

func nextTableName(ctx context.Context, db *database.DB, conversationID uuid.UUID) (string, error) {
	count, err := db.CountConversationDatasets(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return "table" + strconv.Itoa(count+1), nil
}

// AddDataset runs the full add pipeline: cap check, duplicate check, table
// name resolution, URL validation, schema extraction, row insert.
func (c *Catalog) AddDataset(ctx context.Context, conversationID uuid.UUID, rawURL string, name *string) (*models.Dataset, error) {
	lock := c.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	count, err := c.db.CountConversationDatasets(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if count >= maxDatasetsPerConversation {
		return nil, apperr.New(apperr.ErrTooManyDatasets, "conversation has reached the maximum number of datasets")
	}

	existing, err := c.db.GetConversationDatasets(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, d := range existing {
		if d.URL == rawURL {
			return nil, apperr.New(apperr.ErrDuplicateDataset, "dataset with this url already exists in conversation")
		}
	}

	tableName := ""
	if name != nil && *name != "" {
		tableName = *name
	} else {
		tableName, err = nextTableName(ctx, c.db, conversationID)
		if err != nil {
			return nil, err
		}
	}

	info, err := c.pool.ValidateURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	schema, err := c.pool.GetSchema(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	ds, err := c.db.CreateDataset(ctx, conversationID, rawURL, tableName)
	if err != nil {
		return nil, err
	}

	var fileSizeBytes *int64
	if info.FileSizeBytes > 0 {
		fileSizeBytes = &info.FileSizeBytes
	}

	columns := toDatasetColumns(schema)
	if err := c.db.UpdateDatasetReady(ctx, ds.ID, schema.RowCount, columns, fileSizeBytes); err != nil {
		return nil, err
	}

	return c.db.GetDataset(ctx, ds.ID)
}

func toDatasetColumns(schema *queryengine.Schema) []models.DatasetColumn {
	columns := make([]models.DatasetColumn, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		columns = append(columns, models.DatasetColumn{
			Name:         col.Name,
			Type:         col.Type,
			SampleValues: col.SampleValues,
			NullCount:    col.Stats.NullCount,
			Min:          col.Stats.Min,
			Max:          col.Stats.Max,
			UniqueCount:  col.Stats.UniqueCount,
		})
	}
	return columns
}

// RefreshSchema re-runs validation and schema extraction against a
// dataset's stored URL and updates its catalog row.
func (c *Catalog) RefreshSchema(ctx context.Context, datasetID uuid.UUID) (*models.Dataset, error) {
	ds, err := c.db.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	if _, err := c.pool.ValidateURL(ctx, ds.URL); err != nil {
		c.db.UpdateDatasetError(ctx, datasetID, err.Error())
		return nil, err
	}

	schema, err := c.pool.GetSchema(ctx, ds.URL)
	if err != nil {
		c.db.UpdateDatasetError(ctx, datasetID, err.Error())
		return nil, err
	}

	columns := toDatasetColumns(schema)
	if err := c.db.UpdateDatasetReady(ctx, datasetID, schema.RowCount, columns, ds.FileSizeBytes); err != nil {
		return nil, err
	}

	return c.db.GetDataset(ctx, datasetID)
}

// RemoveDataset deletes a dataset's catalog row, and — if its URL is a
// file:// reference inside the uploads directory — unlinks the backing
// file. An already-missing file is ignored and any other unlink error is
// logged; neither is returned, since the catalog row is already gone.
func (c *Catalog) RemoveDataset(ctx context.Context, datasetID uuid.UUID) error {
	ds, err := c.db.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}

	if err := c.db.DeleteDataset(ctx, datasetID); err != nil {
		return err
	}

	if strings.HasPrefix(ds.URL, "file://") {
		c.unlinkIfInUploadsDir(strings.TrimPrefix(ds.URL, "file://"))
	}

	return nil
}

func (c *Catalog) unlinkIfInUploadsDir(path string) {
	if c.uploadsDir == "" {
		return
	}

	absUploads, err := filepath.Abs(c.uploadsDir)
	if err != nil {
		return
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}
	if !strings.HasPrefix(absPath, absUploads+string(filepath.Separator)) {
		return
	}

	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to unlink dataset upload", "path", absPath, "error", err)
	}
}

// GetDatasets returns all datasets registered for a conversation, ordered
// by load time ascending.
func (c *Catalog) GetDatasets(ctx context.Context, conversationID uuid.UUID) ([]models.Dataset, error) {
	return c.db.GetConversationDatasets(ctx, conversationID)
}
