package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFile signals an upload with no content.
	ErrNoFile = errors.New("no file provided")
	// ErrDuplicateFile signals an upload whose name already has a ready
	// record for the same owner. The upload is skipped, nothing is stored.
	ErrDuplicateFile = errors.New("file already processed")
	// ErrRunInFlight signals a second run or a delete requested while a
	// run for the same file id is still in progress.
	ErrRunInFlight = errors.New("processing run in flight")
	// ErrDeleteInProgress signals a duplicate delete for the same file id.
	ErrDeleteInProgress = errors.New("delete already in progress")
	// ErrNothingToProcess signals a reprocess whose settings leave no
	// runnable stage. Distinct from successfully doing nothing.
	ErrNothingToProcess = errors.New("no stage enabled to run")
)

// StageError reports a failed analysis engine call.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StorageError reports a failed blob store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("blob %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RecordError reports a failed record store operation.
type RecordError struct {
	Op  string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.Op, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
