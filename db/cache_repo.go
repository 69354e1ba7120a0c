package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hrcloud/edge/domain"
)

var _ domain.CacheRepository = (*Repository)(nil)

// dbEntry represents a captured response as stored in the database.
type dbEntry struct {
	StoreName   string    `db:"store_name"`
	Method      string    `db:"method"`
	URL         string    `db:"url"`
	StatusCode  int       `db:"status_code"`
	Status      string    `db:"status"`
	Header      Header    `db:"header"`
	Body        []byte    `db:"body"`
	Encoding    string    `db:"encoding"`
	ContentType string    `db:"content_type"`
	Length      int       `db:"length"`
	CapturedAt  time.Time `db:"captured_at"`
}

// dbEntrySummary is an entry row without its header and body.
type dbEntrySummary struct {
	Method      string    `db:"method"`
	URL         string    `db:"url"`
	StatusCode  int       `db:"status_code"`
	ContentType string    `db:"content_type"`
	Length      int       `db:"length"`
	CapturedAt  time.Time `db:"captured_at"`
}

// fromCaptured converts a captured response into a dbEntry, compressing the body.
// When the response carries no Content-Type the media type is sniffed from the body.
func fromCaptured(name string, key domain.RequestKey, res *domain.CapturedResponse) (*dbEntry, error) {
	body, err := compressBody(res.Body)
	if err != nil {
		return nil, err
	}

	contentType := res.ContentType()
	if contentType == "" {
		contentType, _, _ = strings.Cut(mimetype.Detect(res.Body).String(), ";")
	}

	return &dbEntry{
		StoreName:   name,
		Method:      key.Method,
		URL:         key.URL,
		StatusCode:  res.StatusCode,
		Status:      res.Status,
		Header:      Header(res.Header),
		Body:        body,
		Encoding:    encodingBrotli,
		ContentType: contentType,
		Length:      len(res.Body),
		CapturedAt:  res.CapturedAt,
	}, nil
}

// toCaptured converts a dbEntry back into a domain.CapturedResponse.
func toCaptured(entry *dbEntry) (*domain.CapturedResponse, error) {
	body, err := decompressBody(entry.Body, entry.Encoding)
	if err != nil {
		return nil, fmt.Errorf("decoding body of %s %s: %w", entry.Method, entry.URL, err)
	}

	return &domain.CapturedResponse{
		StatusCode: entry.StatusCode,
		Status:     entry.Status,
		Header:     map[string][]string(entry.Header),
		Body:       body,
		CapturedAt: entry.CapturedAt,
	}, nil
}

// OpenStore implements domain.CacheRepository.
// Opening an existing store is a no-op.
func (repo *Repository) OpenStore(ctx context.Context, name string) error {
	query := `INSERT INTO store (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`

	_, err := repo.dbConn.ExecContext(ctx, query, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("opening store %s: %w", name, err)
	}

	return nil
}

// StoreNames implements domain.CacheRepository.
func (repo *Repository) StoreNames(ctx context.Context) ([]string, error) {
	names := []string{}
	query := `SELECT name FROM store ORDER BY name`

	err := repo.dbConn.SelectContext(ctx, &names, query)
	if err != nil {
		return nil, fmt.Errorf("listing stores: %w", err)
	}

	return names, nil
}

// DeleteStore implements domain.CacheRepository.
// The entries of the store are removed by the cascading foreign key in the same statement.
func (repo *Repository) DeleteStore(ctx context.Context, name string) (bool, error) {
	query := `DELETE FROM store WHERE name = ?`

	result, err := repo.dbConn.ExecContext(ctx, query, name)
	if err != nil {
		return false, fmt.Errorf("deleting store %s: %w", name, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking deletion rows affected for %s: %w", name, err)
	}

	return rowsAffected > 0, nil
}

// Match implements domain.CacheRepository.
func (repo *Repository) Match(ctx context.Context, name string, key domain.RequestKey) (*domain.CapturedResponse, error) {
	var entry dbEntry
	query := `SELECT store_name, method, url, status_code, status, header, body, encoding, content_type, length, captured_at
	          FROM entry
	          WHERE store_name = ? AND method = ? AND url = ?`

	err := repo.dbConn.GetContext(ctx, &entry, query, name, key.Method, key.URL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			exists, existsErr := repo.storeExists(ctx, name)
			if existsErr != nil {
				return nil, existsErr
			}
			if !exists {
				return nil, fmt.Errorf("%w: %s", domain.ErrStoreNotFound, name)
			}
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("matching %s in %s: %w", key, name, err)
	}

	return toCaptured(&entry)
}

// Put implements domain.CacheRepository.
// The upsert is a single statement, an aborted context never leaves a partially written entry.
func (repo *Repository) Put(ctx context.Context, name string, key domain.RequestKey, res *domain.CapturedResponse) error {
	if !key.Cacheable() {
		return fmt.Errorf("%w: %s", domain.ErrNotCacheable, key)
	}

	entry, err := fromCaptured(name, key, res)
	if err != nil {
		return fmt.Errorf("preparing %s for %s: %w", key, name, err)
	}

	query := `INSERT INTO entry (store_name, method, url, status_code, status, header, body, encoding, content_type, length, captured_at)
	          SELECT :store_name, :method, :url, :status_code, :status, :header, :body, :encoding, :content_type, :length, :captured_at
	          WHERE EXISTS (SELECT 1 FROM store WHERE name = :store_name)
	          ON CONFLICT(store_name, method, url) DO UPDATE SET
	              status_code = excluded.status_code,
	              status = excluded.status,
	              header = excluded.header,
	              body = excluded.body,
	              encoding = excluded.encoding,
	              content_type = excluded.content_type,
	              length = excluded.length,
	              captured_at = excluded.captured_at`

	result, err := repo.dbConn.NamedExecContext(ctx, query, entry)
	if err != nil {
		return fmt.Errorf("writing %s to %s: %w", key, name, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected for %s: %w", key, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrStoreNotFound, name)
	}

	return nil
}

// CountEntries implements domain.CacheRepository.
func (repo *Repository) CountEntries(ctx context.Context, name string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM entry WHERE store_name = ?`

	err := repo.dbConn.GetContext(ctx, &count, query, name)
	if err != nil {
		return 0, fmt.Errorf("counting entries in %s: %w", name, err)
	}

	return count, nil
}

// Entries implements domain.CacheRepository.
func (repo *Repository) Entries(ctx context.Context, name string) ([]*domain.EntrySummary, error) {
	var rows []*dbEntrySummary
	query := `SELECT method, url, status_code, content_type, length, captured_at
	          FROM entry
	          WHERE store_name = ?
	          ORDER BY url, method`

	err := repo.dbConn.SelectContext(ctx, &rows, query, name)
	if err != nil {
		return nil, fmt.Errorf("listing entries in %s: %w", name, err)
	}

	summaries := make([]*domain.EntrySummary, len(rows))
	for i, row := range rows {
		summaries[i] = &domain.EntrySummary{
			Key:         domain.RequestKey{Method: row.Method, URL: row.URL},
			StatusCode:  row.StatusCode,
			ContentType: row.ContentType,
			Length:      row.Length,
			CapturedAt:  row.CapturedAt,
		}
	}

	return summaries, nil
}

func (repo *Repository) storeExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM store WHERE name = ?)`

	err := repo.dbConn.GetContext(ctx, &exists, query, name)
	if err != nil {
		return false, fmt.Errorf("checking store %s: %w", name, err)
	}

	return exists, nil
}
