package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "llmops/internal/errors"
)

const datasetColumns = `d.id, d.name, d.description, d.split_type, d.chunk_size, d.chunk_overlap, d.created_at, d.updated_at,
	(SELECT COUNT(*) FROM documents WHERE dataset_id = d.id)`

// CreateDataset inserts a dataset. Names are unique.
func (s *Store) CreateDataset(ctx context.Context, ds *Dataset) error {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, name, description, split_type, chunk_size, chunk_overlap, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.Name, ds.Description, ds.Settings.SplitType, ds.Settings.ChunkSize, ds.Settings.ChunkOverlap, now, now)
	if isUniqueViolation(err) {
		return apperrors.Conflict("dataset %q already exists", ds.Name)
	}
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	ds.CreatedAt = fromMillis(now)
	ds.UpdatedAt = ds.CreatedAt
	return nil
}

// GetDataset loads one dataset with its document count.
func (s *Store) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets d WHERE d.id = ?`, id)
	ds, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("dataset %s", id)
	}
	return ds, err
}

// ListDatasets returns datasets, newest first.
func (s *Store) ListDatasets(ctx context.Context, page Page) ([]Dataset, error) {
	page = page.normalized()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets d ORDER BY d.created_at DESC, d.name LIMIT ? OFFSET ?`,
		page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	datasets := []Dataset{}
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, *ds)
	}
	return datasets, rows.Err()
}

// UpdateDatasetSettings replaces the splitter settings.
func (s *Store) UpdateDatasetSettings(ctx context.Context, id string, settings DatasetSettings) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE datasets SET split_type = ?, chunk_size = ?, chunk_overlap = ?, updated_at = ? WHERE id = ?`,
		settings.SplitType, settings.ChunkSize, settings.ChunkOverlap, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("update dataset settings: %w", err)
	}
	return requireAffected(res, apperrors.NotFound("dataset %s", id))
}

// DeleteDataset removes a dataset and, by cascade, its documents.
func (s *Store) DeleteDataset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	return requireAffected(res, apperrors.NotFound("dataset %s", id))
}

// CreateDocument inserts a document in the pending state.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.Status == "" {
		doc.Status = DocumentPending
	}
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, dataset_id, name, source, url, content, chunk_count, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.DatasetID, doc.Name, doc.Source, doc.URL, doc.Content, doc.ChunkCount, doc.Status, doc.Error, now)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperrors.NotFound("dataset %s", doc.DatasetID)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	doc.CreatedAt = fromMillis(now)
	return nil
}

// UpdateDocumentStatus records the outcome of indexing.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status string, chunkCount int, indexErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, chunk_count = ?, error = ? WHERE id = ?`,
		status, chunkCount, indexErr, id)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireAffected(res, apperrors.NotFound("document %s", id))
}

// GetDocument loads one document of a dataset, including its content.
func (s *Store) GetDocument(ctx context.Context, datasetID, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dataset_id, name, source, url, content, chunk_count, status, error, created_at
		 FROM documents WHERE dataset_id = ? AND id = ?`, datasetID, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("document %s", id)
	}
	return doc, err
}

// ListDocuments returns all documents of a dataset in insertion order, including content.
func (s *Store) ListDocuments(ctx context.Context, datasetID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dataset_id, name, source, url, content, chunk_count, status, error, created_at
		 FROM documents WHERE dataset_id = ? ORDER BY seq`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes one document from a dataset.
func (s *Store) DeleteDocument(ctx context.Context, datasetID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE dataset_id = ? AND id = ?`, datasetID, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireAffected(res, apperrors.NotFound("document %s", id))
}

func scanDataset(row rowScanner) (*Dataset, error) {
	var ds Dataset
	var created, updated int64
	err := row.Scan(&ds.ID, &ds.Name, &ds.Description,
		&ds.Settings.SplitType, &ds.Settings.ChunkSize, &ds.Settings.ChunkOverlap,
		&created, &updated, &ds.DocumentCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan dataset: %w", err)
	}
	ds.CreatedAt = fromMillis(created)
	ds.UpdatedAt = fromMillis(updated)
	return &ds, nil
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var created int64
	err := row.Scan(&doc.ID, &doc.DatasetID, &doc.Name, &doc.Source, &doc.URL, &doc.Content,
		&doc.ChunkCount, &doc.Status, &doc.Error, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.CreatedAt = fromMillis(created)
	return &doc, nil
}
