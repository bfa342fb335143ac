package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const defaultListLimit = 100

// RecordTransfer inserts one history row. TransferID and Timestamp are filled
// in when empty.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if err := validateStatus(record.Status); err != nil {
		return err
	}
	if record.TransferID == "" {
		record.TransferID = uuid.NewString()
	}
	if record.Timestamp == 0 {
		record.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			channel,
			port,
			file_name,
			file_size,
			path,
			folder_name,
			status,
			message,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TransferID,
		record.Direction,
		record.Channel,
		record.Port,
		record.FileName,
		record.FileSize,
		record.Path,
		record.FolderName,
		record.Status,
		record.Message,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.TransferID, err)
	}
	return nil
}

// GetTransfer fetches one history row by ID.
func (s *Store) GetTransfer(transferID string) (*TransferRecord, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			direction,
			channel,
			port,
			file_name,
			file_size,
			path,
			folder_name,
			status,
			message,
			timestamp
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	record, err := scanTransferRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return record, nil
}

// ListTransfers returns history rows newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]TransferRecord, error) {
	query := `SELECT
		transfer_id,
		direction,
		channel,
		port,
		file_name,
		file_size,
		path,
		folder_name,
		status,
		message,
		timestamp
	FROM transfers
	WHERE 1 = 1`
	args := make([]any, 0, 6)

	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
		query += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		if err := validateStatus(filter.Status); err != nil {
			return nil, err
		}
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Channel != nil {
		query += " AND channel = ?"
		args = append(args, *filter.Channel)
	}
	if filter.FromTimestamp != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.FromTimestamp)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY timestamp DESC, transfer_id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, scanErr := scanTransferRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

// CountTransfers returns how many rows match a direction and status. Empty
// arguments match everything.
func (s *Store) CountTransfers(direction, status string) (int64, error) {
	query := `SELECT COUNT(*) FROM transfers WHERE 1 = 1`
	args := make([]any, 0, 2)
	if direction != "" {
		if err := validateDirection(direction); err != nil {
			return 0, err
		}
		query += " AND direction = ?"
		args = append(args, direction)
	}
	if status != "" {
		if err := validateStatus(status); err != nil {
			return 0, err
		}
		query += " AND status = ?"
		args = append(args, status)
	}

	var count int64
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count transfers: %w", err)
	}
	return count, nil
}

// PruneTransfersBefore removes rows older than cutoffTimestamp (unix millis).
func (s *Store) PruneTransfersBefore(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM transfers WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}
	return rowsAffected, nil
}

func scanTransferRecord(row scanner) (*TransferRecord, error) {
	var record TransferRecord
	if err := row.Scan(
		&record.TransferID,
		&record.Direction,
		&record.Channel,
		&record.Port,
		&record.FileName,
		&record.FileSize,
		&record.Path,
		&record.FolderName,
		&record.Status,
		&record.Message,
		&record.Timestamp,
	); err != nil {
		return nil, err
	}
	return &record, nil
}
