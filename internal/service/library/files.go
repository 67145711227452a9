package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"callscribe/internal/models"
)

// FileUpdate is a partial update of an audio file record; nil fields are
// left untouched.
type FileUpdate struct {
	Status        *models.Status
	FileURL       *string
	Transcription *[]models.Segment
	KeyEvents     *[]string
	Summary       *string
	Error         *string
}

// InsertFile persists a new record and returns it with the store-assigned id.
func (s *Service) InsertFile(ctx context.Context, f models.AudioFile) (*models.AudioFile, error) {
	if f.OwnerID <= 0 {
		return nil, errors.New("owner_id is required")
	}
	if strings.TrimSpace(f.FileName) == "" {
		return nil, errors.New("file_name is required")
	}
	if f.Status == "" {
		f.Status = models.StatusProcessing
	}
	if f.UploadedAt.IsZero() {
		f.UploadedAt = time.Now().UTC()
	}

	transcription, err := marshalColumn(f.Transcription)
	if err != nil {
		return nil, fmt.Errorf("encode transcription: %w", err)
	}
	keyEvents, err := marshalColumn(f.KeyEvents)
	if err != nil {
		return nil, fmt.Errorf("encode key events: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audio_files (owner_id, file_name, file_url, size, status, transcription, key_events, summary, error, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.OwnerID, f.FileName, f.FileURL, f.Size, f.Status, transcription, keyEvents, f.Summary, f.Error, f.UploadedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("file id: %w", err)
	}
	f.ID = id
	return &f, nil
}

// UpdateFile applies a partial update to the record by id.
func (s *Service) UpdateFile(ctx context.Context, id int64, upd FileUpdate) error {
	if id <= 0 {
		return errors.New("invalid file id")
	}

	sets := make([]string, 0, 6)
	args := make([]interface{}, 0, 7)
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.FileURL != nil {
		sets = append(sets, "file_url = ?")
		args = append(args, *upd.FileURL)
	}
	if upd.Transcription != nil {
		data, err := marshalColumn(*upd.Transcription)
		if err != nil {
			return fmt.Errorf("encode transcription: %w", err)
		}
		sets = append(sets, "transcription = ?")
		args = append(args, data)
	}
	if upd.KeyEvents != nil {
		data, err := marshalColumn(*upd.KeyEvents)
		if err != nil {
			return fmt.Errorf("encode key events: %w", err)
		}
		sets = append(sets, "key_events = ?")
		args = append(args, data)
	}
	if upd.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *upd.Summary)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if len(sets) == 0 {
		return errors.New("no fields to update")
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE audio_files SET %s WHERE id = ?`, strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetFile returns one record scoped to its owner.
func (s *Service) GetFile(ctx context.Context, ownerID, id int64) (*models.AudioFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, file_name, file_url, size, status, transcription, key_events, summary, error, uploaded_at
		 FROM audio_files WHERE id = ? AND owner_id = ?`,
		id, ownerID,
	)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// ListFilesByOwner returns the owner's records, newest upload first.
func (s *Service) ListFilesByOwner(ctx context.Context, ownerID int64) ([]models.AudioFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, file_name, file_url, size, status, transcription, key_events, summary, error, uploaded_at
		 FROM audio_files WHERE owner_id = ? ORDER BY uploaded_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []models.AudioFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// FindReadyFile looks up a ready record with the given name for upload
// de-duplication. Returns nil when there is none.
func (s *Service) FindReadyFile(ctx context.Context, ownerID int64, fileName string) (*models.AudioFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, file_name, file_url, size, status, transcription, key_events, summary, error, uploaded_at
		 FROM audio_files WHERE owner_id = ? AND file_name = ? AND status = ? LIMIT 1`,
		ownerID, fileName, models.StatusReady,
	)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find ready file: %w", err)
	}
	return f, nil
}

// DeleteFile removes one record scoped to its owner.
func (s *Service) DeleteFile(ctx context.Context, ownerID, id int64) error {
	if id <= 0 {
		return errors.New("invalid file id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM audio_files WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteFiles removes a batch of records in one statement.
func (s *Service) DeleteFiles(ctx context.Context, ownerID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, ownerID)
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM audio_files WHERE id IN (%s) AND owner_id = ?`, placeholders),
		args...,
	); err != nil {
		return fmt.Errorf("delete files: %w", err)
	}
	return nil
}

// ListUnfinished returns records across all owners still in a
// non-terminal status and uploaded before the cutoff.
func (s *Service) ListUnfinished(ctx context.Context, cutoff time.Time) ([]models.AudioFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, file_name, file_url, size, status, transcription, key_events, summary, error, uploaded_at
		 FROM audio_files WHERE status NOT IN (?, ?) AND uploaded_at <= ?`,
		models.StatusReady, models.StatusFailed, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list unfinished files: %w", err)
	}
	defer rows.Close()

	var files []models.AudioFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row rowScanner) (*models.AudioFile, error) {
	var (
		f             models.AudioFile
		transcription sql.NullString
		keyEvents     sql.NullString
		summary       sql.NullString
		errCol        sql.NullString
	)
	if err := row.Scan(&f.ID, &f.OwnerID, &f.FileName, &f.FileURL, &f.Size, &f.Status,
		&transcription, &keyEvents, &summary, &errCol, &f.UploadedAt); err != nil {
		return nil, err
	}
	if transcription.Valid && transcription.String != "" {
		if err := json.Unmarshal([]byte(transcription.String), &f.Transcription); err != nil {
			return nil, fmt.Errorf("decode transcription: %w", err)
		}
	}
	if keyEvents.Valid && keyEvents.String != "" {
		if err := json.Unmarshal([]byte(keyEvents.String), &f.KeyEvents); err != nil {
			return nil, fmt.Errorf("decode key events: %w", err)
		}
	}
	f.Summary = summary.String
	f.Error = errCol.String
	return &f, nil
}

// marshalColumn encodes a slice for a JSON text column, keeping NULL for
// absent values so "never ran" stays distinct from "ran and got nothing".
func marshalColumn(v interface{}) (sql.NullString, error) {
	switch val := v.(type) {
	case []models.Segment:
		if val == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
