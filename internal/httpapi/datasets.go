package httpapi

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"chatdf/backend/internal/apperr"
	appmiddleware "chatdf/backend/internal/middleware"
	"chatdf/backend/internal/models"
	"chatdf/backend/internal/queryengine"
	"chatdf/backend/internal/validation"
	"chatdf/backend/internal/wsevents"
)

func datasetRefsForHTTP(list []models.Dataset) []queryengine.DatasetRef {
	refs := make([]queryengine.DatasetRef, 0, len(list))
	for _, d := range list {
		if d.Status != models.DatasetStatusReady {
			continue
		}
		refs = append(refs, queryengine.DatasetRef{URL: d.URL, TableName: d.TableName})
	}
	return refs
}

const maxUploadMemory = 32 << 20

func (a *api) handleAddDataset(w http.ResponseWriter, r *http.Request) {
	conversationID, user, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body struct {
		URL  string  `json:"url"`
		Name *string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if err := validation.ValidateDatasetURL(body.URL); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	a.startDatasetLoad(conversationID, user.ID, body.URL, body.Name)
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) handleUploadDataset(w http.ResponseWriter, r *http.Request) {
	conversationID, user, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrBadRequest, "failed to parse upload"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrBadRequest, "file is required"))
		return
	}
	defer file.Close()

	maxBytes := int64(a.Dataset.MaxUploadSizeMB) << 20
	if header.Size > maxBytes {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrValidationFailed, "file exceeds the upload size limit"))
		return
	}

	path, err := a.saveUpload(conversationID, file, header)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	a.startDatasetLoad(conversationID, user.ID, "file://"+path, nil)
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) saveUpload(conversationID uuid.UUID, file multipart.File, header *multipart.FileHeader) (string, error) {
	lower := strings.ToLower(header.Filename)
	suffix := ""
	for _, s := range []string{".csv.gz", ".parquet", ".csv", ".tsv"} {
		if strings.HasSuffix(lower, s) {
			suffix = s
			break
		}
	}
	if suffix == "" {
		return "", apperr.New(apperr.ErrValidationFailed, "only .parquet, .csv, .tsv and .csv.gz uploads are supported")
	}

	if suffix == ".parquet" {
		magic := make([]byte, 4)
		if _, err := file.Read(magic); err != nil || string(magic) != "PAR1" {
			return "", apperr.New(apperr.ErrValidationFailed, "file is not a valid parquet file")
		}
		if _, err := file.Seek(0, 0); err != nil {
			return "", apperr.Wrap(err, apperr.ErrInternalServer)
		}
	}

	dir := filepath.Join(a.Dataset.UploadDir, conversationID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(err, apperr.ErrInternalServer)
	}

	name := uuid.New().String() + suffix
	dest := filepath.Join(dir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrInternalServer)
	}
	defer out.Close()

	if _, err := out.ReadFrom(file); err != nil {
		os.Remove(dest)
		return "", apperr.Wrap(err, apperr.ErrInternalServer)
	}
	return dest, nil
}

// startDatasetLoad runs the catalog's synchronous add pipeline in the
// background so the HTTP handler can return immediately, emitting the
// loading/loaded/error websocket events the frontend expects to see in
// that order.
func (a *api) startDatasetLoad(conversationID, userID uuid.UUID, url string, name *string) {
	a.Hub.SendToUser(userID, wsevents.Envelope{Type: wsevents.TypeDatasetLoading, Data: wsevents.DatasetLoading{URL: url}})

	go func() {
		ds, err := a.Catalog.AddDataset(context.Background(), conversationID, url, name)
		if err != nil {
			a.Hub.SendToUser(userID, wsevents.Envelope{Type: wsevents.TypeDatasetError, Data: wsevents.DatasetError{Error: err.Error()}})
			return
		}
		a.Hub.SendToUser(userID, wsevents.Envelope{Type: wsevents.TypeDatasetLoaded, Data: wsevents.DatasetLoaded{
			DatasetID: ds.ID.String(), TableName: ds.TableName, RowCount: ds.RowCount, ColumnCount: ds.ColumnCount,
		}})
	}()
}

func (a *api) handleRenameDataset(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	datasetID, err := pathUUID(r, "datasetID")
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body struct {
		TableName string `json:"table_name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	body.TableName = strings.TrimSpace(body.TableName)
	if body.TableName == "" {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrValidationFailed, "table_name is required"))
		return
	}

	existing, err := a.Catalog.GetDatasets(r.Context(), conversationID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	for _, d := range existing {
		if d.ID != datasetID && strings.EqualFold(d.TableName, body.TableName) {
			appmiddleware.WriteError(w, r, apperr.New(apperr.ErrConflict, "table name already in use in this conversation"))
			return
		}
	}

	if _, err := a.DB.ExecContext(r.Context(), `UPDATE datasets SET table_name = $1 WHERE id = $2`, body.TableName, datasetID); err != nil {
		appmiddleware.WriteError(w, r, apperr.Wrap(err, apperr.ErrDatabaseError))
		return
	}

	ds, err := a.DB.GetDataset(r.Context(), datasetID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (a *api) handleRefreshDataset(w http.ResponseWriter, r *http.Request) {
	if _, _, err := a.ownedConversation(r); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	datasetID, err := pathUUID(r, "datasetID")
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	ds, err := a.Catalog.RefreshSchema(r.Context(), datasetID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (a *api) handleProfileDataset(w http.ResponseWriter, r *http.Request) {
	if _, _, err := a.ownedConversation(r); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	datasetID, err := pathUUID(r, "datasetID")
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	ds, err := a.DB.GetDataset(r.Context(), datasetID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	profile, err := a.Pool.ProfileColumns(r.Context(), ds.URL)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *api) handleProfileColumn(w http.ResponseWriter, r *http.Request) {
	if _, _, err := a.ownedConversation(r); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	datasetID, err := pathUUID(r, "datasetID")
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body struct {
		Column string `json:"column"`
	}
	if err := decodeJSON(r, &body); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Column) == "" {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrValidationFailed, "column is required"))
		return
	}

	ds, err := a.DB.GetDataset(r.Context(), datasetID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	profile, err := a.Pool.ProfileColumn(r.Context(), ds.URL, body.Column)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *api) handlePreviewDataset(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	datasetID, err := pathUUID(r, "datasetID")
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body struct {
		SampleMethod string `json:"sample_method"`
		Rows         int    `json:"rows"`
	}
	if err := decodeJSON(r, &body); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if body.Rows <= 0 || body.Rows > 500 {
		body.Rows = 50
	}

	ds, err := a.DB.GetDataset(r.Context(), datasetID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	datasetList, err := a.Catalog.GetDatasets(r.Context(), conversationID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	refs := datasetRefsForHTTP(datasetList)

	sqlText, err := previewQuery(ds.TableName, body.SampleMethod, body.Rows)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	result, err := a.Pool.RunQuery(r.Context(), sqlText, refs)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func previewQuery(tableName, sampleMethod string, rows int) (string, error) {
	switch sampleMethod {
	case "", "head":
		return fmt.Sprintf(`SELECT * FROM %q LIMIT %d`, tableName, rows), nil
	case "tail":
		return fmt.Sprintf(`SELECT * FROM (SELECT * FROM %q ORDER BY rowid DESC LIMIT %d) sub ORDER BY rowid ASC`, tableName, rows), nil
	case "random":
		return fmt.Sprintf(`SELECT * FROM %q USING SAMPLE %d ROWS`, tableName, rows), nil
	case "stratified", "percentage":
		return fmt.Sprintf(`SELECT * FROM %q USING SAMPLE %d PERCENT`, tableName, samplePercent(rows)), nil
	default:
		return "", apperr.New(apperr.ErrValidationFailed, "unsupported sample_method")
	}
}

func samplePercent(rows int) int {
	if rows <= 0 || rows > 100 {
		return 10
	}
	return rows
}

func (a *api) handleRemoveDataset(w http.ResponseWriter, r *http.Request) {
	if _, _, err := a.ownedConversation(r); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	datasetID, err := pathUUID(r, "datasetID")
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if err := a.Catalog.RemoveDataset(r.Context(), datasetID); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
