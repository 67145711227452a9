package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"callscribe/internal/logger"
	"callscribe/internal/models"
	"callscribe/internal/redis"
	"callscribe/internal/service/library"
)

// RecordStore is the keyed persistence the pipeline writes through.
type RecordStore interface {
	InsertFile(ctx context.Context, f models.AudioFile) (*models.AudioFile, error)
	UpdateFile(ctx context.Context, id int64, upd library.FileUpdate) error
	GetFile(ctx context.Context, ownerID, id int64) (*models.AudioFile, error)
	ListFilesByOwner(ctx context.Context, ownerID int64) ([]models.AudioFile, error)
	FindReadyFile(ctx context.Context, ownerID int64, fileName string) (*models.AudioFile, error)
	DeleteFile(ctx context.Context, ownerID, id int64) error
	DeleteFiles(ctx context.Context, ownerID int64, ids []int64) error
	ListUnfinished(ctx context.Context, cutoff time.Time) ([]models.AudioFile, error)
}

// BlobStore stores the raw audio.
type BlobStore interface {
	Put(name string, data []byte) (string, error)
	Get(object string) ([]byte, error)
	Delete(object string) error
	DeleteMany(objects []string) error
	PathFromURL(url string) string
}

// StageClient is the analysis engine boundary.
type StageClient interface {
	Transcribe(ctx context.Context, audio []byte, fileName string, settings models.ProcessingSettings) ([]models.Segment, error)
	AnalyzeEvents(ctx context.Context, segments []models.Segment, settings models.ProcessingSettings) ([]string, error)
	Summarize(ctx context.Context, segments []models.Segment, settings models.ProcessingSettings) (string, error)
}

// StatusFn observes status transitions of a single run.
type StatusFn func(fileID int64, status models.Status)

// Manager drives uploaded audio files through the processing pipeline.
// Each upload or reprocess launches one independent asynchronous run; a
// per-id guard refuses a second run (or a delete) while one is in flight.
type Manager struct {
	records      RecordStore
	blobs        BlobStore
	engine       StageClient
	cache        *stateCache
	log          *logger.Logger
	stageTimeout time.Duration

	mu       sync.Mutex
	running  map[int64]struct{}
	deleting map[int64]struct{}
}

// NewManager wires the pipeline against its collaborators. cacheClient
// may be nil; the pipeline then runs without the status cache and feed.
func NewManager(records RecordStore, blobs BlobStore, engine StageClient, cacheClient *redis.Client, stageTimeout time.Duration) *Manager {
	if stageTimeout <= 0 {
		stageTimeout = defaultStageTimeout
	}
	return &Manager{
		records:      records,
		blobs:        blobs,
		engine:       engine,
		cache:        newStateCache(cacheClient),
		log:          logger.New(),
		stageTimeout: stageTimeout,
		running:      make(map[int64]struct{}),
		deleting:     make(map[int64]struct{}),
	}
}

const defaultStageTimeout = 2 * time.Minute

var allowedExtensions = map[string]struct{}{
	".mp3": {}, ".wav": {}, ".m4a": {}, ".flac": {}, ".ogg": {},
}

// AllowedExtension reports whether the upload name carries a supported
// audio extension.
func AllowedExtension(fileName string) bool {
	_, ok := allowedExtensions[strings.ToLower(filepath.Ext(fileName))]
	return ok
}

// Upload stores a new recording and starts its pipeline run. The
// returned record already carries the store-assigned id and status
// "processing"; the run proceeds asynchronously.
func (m *Manager) Upload(ctx context.Context, ownerID int64, fileName string, data []byte, settings models.ProcessingSettings, onStatus StatusFn) (*models.AudioFile, error) {
	if len(data) == 0 {
		return nil, ErrNoFile
	}
	fileName = filepath.Base(strings.TrimSpace(fileName))
	if fileName == "" || fileName == "." {
		return nil, ErrNoFile
	}

	// De-dup only against ready files: a name still mid-pipeline may be
	// uploaded again.
	if existing, err := m.records.FindReadyFile(ctx, ownerID, fileName); err != nil {
		return nil, &RecordError{Op: "find duplicate", Err: err}
	} else if existing != nil {
		return existing, ErrDuplicateFile
	}

	url, err := m.blobs.Put(fileName, data)
	if err != nil {
		return nil, &StorageError{Op: "put", Err: err}
	}

	record, err := m.records.InsertFile(ctx, models.AudioFile{
		OwnerID:  ownerID,
		FileName: fileName,
		FileURL:  url,
		Size:     int64(len(data)),
		Status:   models.StatusProcessing,
	})
	if err != nil {
		// Roll the blob back so a failed insert leaves nothing behind.
		if delErr := m.blobs.Delete(m.blobs.PathFromURL(url)); delErr != nil {
			m.log.WithError(delErr).Warn("orphaned blob after failed insert")
		}
		return nil, &RecordError{Op: "insert", Err: err}
	}

	m.mu.Lock()
	m.running[record.ID] = struct{}{}
	m.mu.Unlock()

	go m.run(runInput{file: record, audio: data, settings: settings, onStatus: onStatus})
	return record, nil
}

// Reprocess re-enters the pipeline for an existing record using the
// supplied settings. A stored transcript is reused when transcription is
// disabled; with nothing runnable at all the call fails instead of
// silently marking the file ready.
func (m *Manager) Reprocess(ctx context.Context, ownerID, fileID int64, settings models.ProcessingSettings, onStatus StatusFn) error {
	file, err := m.records.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return err
	}

	haveTranscript := len(file.Transcription) > 0
	if !settings.TranscriptionEnabled &&
		!(haveTranscript && (settings.KeyEventsEnabled || settings.SummaryEnabled)) {
		return ErrNothingToProcess
	}

	if err := m.acquireRun(fileID); err != nil {
		return err
	}

	status := models.StatusProcessing
	// Re-entering the machine wipes the failure message from a prior run.
	empty := ""
	if err := m.records.UpdateFile(ctx, fileID, library.FileUpdate{Status: &status, Error: &empty}); err != nil {
		m.releaseRun(fileID)
		return &RecordError{Op: "update status", Err: err}
	}
	file.Status = status
	file.Error = ""
	m.notify(file.OwnerID, fileID, status, "", onStatus)

	go m.run(runInput{file: file, settings: settings, onStatus: onStatus})
	return nil
}

// Get returns one record scoped to the owner.
func (m *Manager) Get(ctx context.Context, ownerID, fileID int64) (*models.AudioFile, error) {
	return m.records.GetFile(ctx, ownerID, fileID)
}

// Status answers a cheap status poll, preferring the cache over the
// record store. The record is consulted on a miss so the answer is
// always authoritative even without redis.
func (m *Manager) Status(ctx context.Context, ownerID, fileID int64) (models.Status, error) {
	if status, ok := m.cache.loadStatus(ctx, ownerID, fileID); ok {
		return status, nil
	}
	file, err := m.records.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return "", err
	}
	return file.Status, nil
}

// List returns the owner's records, newest upload first.
func (m *Manager) List(ctx context.Context, ownerID int64) ([]models.AudioFile, error) {
	return m.records.ListFilesByOwner(ctx, ownerID)
}

// Delete removes a file's blob and record. The blob goes first: if it
// cannot be removed the record survives, so no record ever points at a
// missing blob without being surfaced as an error.
func (m *Manager) Delete(ctx context.Context, ownerID, fileID int64) error {
	if err := m.acquireDelete(fileID); err != nil {
		return err
	}
	defer m.releaseDelete(fileID)

	file, err := m.records.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return err
	}

	if file.FileURL != "" {
		if err := m.blobs.Delete(m.blobs.PathFromURL(file.FileURL)); err != nil {
			return &StorageError{Op: "delete", Err: err}
		}
	}
	if err := m.records.DeleteFile(ctx, ownerID, fileID); err != nil {
		// Blob already gone; the dangling record needs operator attention.
		return &RecordError{Op: "delete", Err: err}
	}
	m.cache.invalidate(ownerID, fileID)
	return nil
}

// DeleteAll removes every record and blob belonging to the owner. Blobs
// are removed in one batch first; if that batch fails no record is
// touched.
func (m *Manager) DeleteAll(ctx context.Context, ownerID int64) error {
	files, err := m.records.ListFilesByOwner(ctx, ownerID)
	if err != nil {
		return &RecordError{Op: "list", Err: err}
	}
	if len(files) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	if err := m.acquireDeleteAll(ids); err != nil {
		return err
	}
	defer m.releaseDeleteAll(ids)

	objects := make([]string, 0, len(files))
	for _, f := range files {
		if f.FileURL != "" {
			objects = append(objects, m.blobs.PathFromURL(f.FileURL))
		}
	}
	if err := m.blobs.DeleteMany(objects); err != nil {
		return &StorageError{Op: "delete batch", Err: err}
	}
	if err := m.records.DeleteFiles(ctx, ownerID, ids); err != nil {
		return &RecordError{Op: "delete batch", Err: err}
	}
	for _, id := range ids {
		m.cache.invalidate(ownerID, id)
	}
	return nil
}

// SubscribeStatus opens a feed of status transitions across all runs.
// Callers must invoke the returned cancel func. Without redis the feed
// is nil.
func (m *Manager) SubscribeStatus(ctx context.Context) (<-chan StatusEvent, func()) {
	return m.cache.subscribe(ctx)
}

func (m *Manager) acquireRun(fileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deleting[fileID]; ok {
		return ErrDeleteInProgress
	}
	if _, ok := m.running[fileID]; ok {
		return ErrRunInFlight
	}
	m.running[fileID] = struct{}{}
	return nil
}

func (m *Manager) releaseRun(fileID int64) {
	m.mu.Lock()
	delete(m.running, fileID)
	m.mu.Unlock()
}

func (m *Manager) acquireDelete(fileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deleting[fileID]; ok {
		return ErrDeleteInProgress
	}
	if _, ok := m.running[fileID]; ok {
		return ErrRunInFlight
	}
	m.deleting[fileID] = struct{}{}
	return nil
}

func (m *Manager) releaseDelete(fileID int64) {
	m.mu.Lock()
	delete(m.deleting, fileID)
	m.mu.Unlock()
}

func (m *Manager) acquireDeleteAll(ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.running[id]; ok {
			return ErrRunInFlight
		}
		if _, ok := m.deleting[id]; ok {
			return ErrDeleteInProgress
		}
	}
	for _, id := range ids {
		m.deleting[id] = struct{}{}
	}
	return nil
}

func (m *Manager) releaseDeleteAll(ids []int64) {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.deleting, id)
	}
	m.mu.Unlock()
}

func (m *Manager) inFlight(fileID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, running := m.running[fileID]
	_, deleting := m.deleting[fileID]
	return running || deleting
}

// notify fans a transition out to the per-run callback, the status
// cache, and the pub/sub feed.
func (m *Manager) notify(ownerID, fileID int64, status models.Status, errMsg string, onStatus StatusFn) {
	if onStatus != nil {
		onStatus(fileID, status)
	}
	m.cache.cacheStatus(ownerID, fileID, status)
	m.cache.publishStatus(StatusEvent{FileID: fileID, OwnerID: ownerID, Status: status, Error: errMsg})
}
