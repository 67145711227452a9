package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"callscribe/internal/models"
	"callscribe/internal/service/library"
)

func TestUploadRunsFullPipeline(t *testing.T) {
	records := newFakeRecords()
	blobs := newFakeBlobs()
	eng := newFakeEngine()
	m := NewManager(records, blobs, eng, nil, time.Second)

	file, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if file.Status != models.StatusProcessing {
		t.Fatalf("expected processing, got %s", file.Status)
	}

	got := waitForStatus(t, m, 1, file.ID, models.StatusReady)
	if len(got.Transcription) == 0 {
		t.Fatalf("expected transcript persisted")
	}
	if len(got.KeyEvents) == 0 || got.Summary == "" {
		t.Fatalf("expected key events and summary, got %+v", got)
	}
	if eng.calls("transcribe") != 1 || eng.calls("events") != 1 || eng.calls("summary") != 1 {
		t.Fatalf("unexpected engine calls: %v", eng.allCalls())
	}
	if _, err := blobs.Get(blobs.PathFromURL(got.FileURL)); err != nil {
		t.Fatalf("expected blob kept: %v", err)
	}
}

func TestUploadSettingsGateStages(t *testing.T) {
	cases := []struct {
		name       string
		settings   models.ProcessingSettings
		transcribe int
		events     int
		summary    int
	}{
		{
			name:       "transcription only",
			settings:   models.ProcessingSettings{TranscriptionEnabled: true},
			transcribe: 1,
		},
		{
			name:       "transcription and summary",
			settings:   models.ProcessingSettings{TranscriptionEnabled: true, SummaryEnabled: true},
			transcribe: 1,
			summary:    1,
		},
		{
			name:     "all disabled",
			settings: models.ProcessingSettings{},
		},
		{
			// Events need a transcript; with transcription off and no
			// stored transcript the stage cannot run.
			name:     "events without transcript",
			settings: models.ProcessingSettings{KeyEventsEnabled: true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			records := newFakeRecords()
			blobs := newFakeBlobs()
			eng := newFakeEngine()
			m := NewManager(records, blobs, eng, nil, time.Second)

			file, err := m.Upload(context.Background(), 1, "call.wav", []byte("audio"), tc.settings, nil)
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			got := waitForStatus(t, m, 1, file.ID, models.StatusReady)
			if got.Error != "" {
				t.Fatalf("unexpected error field: %q", got.Error)
			}
			if eng.calls("transcribe") != tc.transcribe ||
				eng.calls("events") != tc.events ||
				eng.calls("summary") != tc.summary {
				t.Fatalf("unexpected engine calls: %v", eng.allCalls())
			}
		})
	}
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	m := NewManager(newFakeRecords(), newFakeBlobs(), newFakeEngine(), nil, time.Second)
	if _, err := m.Upload(context.Background(), 1, "call.mp3", nil, models.DefaultSettings(), nil); !errors.Is(err, ErrNoFile) {
		t.Fatalf("expected ErrNoFile, got %v", err)
	}
	if _, err := m.Upload(context.Background(), 1, "   ", []byte("x"), models.DefaultSettings(), nil); !errors.Is(err, ErrNoFile) {
		t.Fatalf("expected ErrNoFile for blank name, got %v", err)
	}
}

func TestUploadSkipsDuplicateReadyFile(t *testing.T) {
	records := newFakeRecords()
	blobs := newFakeBlobs()
	m := NewManager(records, blobs, newFakeEngine(), nil, time.Second)

	first, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	waitForStatus(t, m, 1, first.ID, models.StatusReady)

	existing, err := m.Upload(context.Background(), 1, "call.mp3", []byte("other"), models.DefaultSettings(), nil)
	if !errors.Is(err, ErrDuplicateFile) {
		t.Fatalf("expected ErrDuplicateFile, got %v", err)
	}
	if existing == nil || existing.ID != first.ID {
		t.Fatalf("expected existing record returned, got %+v", existing)
	}
	if n := blobs.count(); n != 1 {
		t.Fatalf("expected 1 stored blob, got %d", n)
	}

	// A different owner may upload the same name.
	if _, err := m.Upload(context.Background(), 2, "call.mp3", []byte("audio"), models.DefaultSettings(), nil); err != nil {
		t.Fatalf("Upload for second owner: %v", err)
	}
}

func TestUploadSameNameWhileFirstStillRunning(t *testing.T) {
	records := newFakeRecords()
	eng := newFakeEngine()
	release := make(chan struct{})
	eng.transcribeHook = func() { <-release }
	m := NewManager(records, newFakeBlobs(), eng, nil, 5*time.Second)

	first, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	waitForStatus(t, m, 1, first.ID, models.StatusTranscribing)

	// De-duplication only matches ready records, so a re-upload of the
	// same name mid-pipeline creates a second record.
	second, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("re-upload while first runs: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a new record, got the first one back")
	}

	close(release)
	waitForStatus(t, m, 1, first.ID, models.StatusReady)
	waitForStatus(t, m, 1, second.ID, models.StatusReady)
}

func TestTranscriptionFailureMarksFailed(t *testing.T) {
	records := newFakeRecords()
	blobs := newFakeBlobs()
	eng := newFakeEngine()
	eng.transcribeErr = errors.New("engine exploded")
	m := NewManager(records, blobs, eng, nil, time.Second)

	file, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got := waitForStatus(t, m, 1, file.ID, models.StatusFailed)
	if !strings.Contains(got.Error, "engine exploded") {
		t.Fatalf("expected failure cause recorded, got %q", got.Error)
	}
	// The upload itself stays: blob and record survive a failed run.
	if _, err := blobs.Get(blobs.PathFromURL(got.FileURL)); err != nil {
		t.Fatalf("expected blob kept after failure: %v", err)
	}
	if eng.calls("events") != 0 || eng.calls("summary") != 0 {
		t.Fatalf("later stages must not run after failure: %v", eng.allCalls())
	}
}

func TestAnalysisFailurePreservesTranscript(t *testing.T) {
	records := newFakeRecords()
	eng := newFakeEngine()
	eng.summaryErr = errors.New("summarizer down")
	m := NewManager(records, newFakeBlobs(), eng, nil, time.Second)

	file, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got := waitForStatus(t, m, 1, file.ID, models.StatusFailed)
	if len(got.Transcription) == 0 {
		t.Fatalf("transcript from earlier stage must survive the failure")
	}
	if len(got.KeyEvents) != 0 {
		t.Fatalf("no artifacts from the failed stage may be kept, got %v", got.KeyEvents)
	}
}

func TestReprocessReusesStoredTranscript(t *testing.T) {
	records := newFakeRecords()
	eng := newFakeEngine()
	m := NewManager(records, newFakeBlobs(), eng, nil, time.Second)

	file, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"),
		models.ProcessingSettings{TranscriptionEnabled: true}, nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	waitForStatus(t, m, 1, file.ID, models.StatusReady)
	if eng.calls("transcribe") != 1 {
		t.Fatalf("expected one transcription, got %v", eng.allCalls())
	}

	settings := models.ProcessingSettings{SummaryEnabled: true, KeyEventsEnabled: true}
	if err := m.Reprocess(context.Background(), 1, file.ID, settings, nil); err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	got := waitForStatus(t, m, 1, file.ID, models.StatusReady)
	if eng.calls("transcribe") != 1 {
		t.Fatalf("reprocess must reuse the stored transcript, calls: %v", eng.allCalls())
	}
	if len(got.KeyEvents) == 0 || got.Summary == "" {
		t.Fatalf("expected analysis artifacts, got %+v", got)
	}
}

func TestReprocessClearsFailureMessage(t *testing.T) {
	records := newFakeRecords()
	eng := newFakeEngine()
	eng.transcribeErr = errors.New("engine exploded")
	m := NewManager(records, newFakeBlobs(), eng, nil, time.Second)

	file, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got := waitForStatus(t, m, 1, file.ID, models.StatusFailed)
	if got.Error == "" {
		t.Fatalf("expected failure message recorded")
	}

	eng.transcribeErr = nil
	if err := m.Reprocess(context.Background(), 1, file.ID, models.DefaultSettings(), nil); err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	got = waitForStatus(t, m, 1, file.ID, models.StatusReady)
	if got.Error != "" {
		t.Fatalf("ready record still carries error %q", got.Error)
	}
}

func TestReprocessWithNothingRunnable(t *testing.T) {
	records := newFakeRecords()
	m := NewManager(records, newFakeBlobs(), newFakeEngine(), nil, time.Second)

	file, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.ProcessingSettings{}, nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	waitForStatus(t, m, 1, file.ID, models.StatusReady)

	// No transcript stored, transcription disabled: no stage can run.
	err = m.Reprocess(context.Background(), 1, file.ID, models.ProcessingSettings{SummaryEnabled: true}, nil)
	if !errors.Is(err, ErrNothingToProcess) {
		t.Fatalf("expected ErrNothingToProcess, got %v", err)
	}
	got, err := m.Get(context.Background(), 1, file.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusReady {
		t.Fatalf("rejected reprocess must not touch the record, status %s", got.Status)
	}
}

func TestDeleteRemovesBlobThenRecord(t *testing.T) {
	records := newFakeRecords()
	blobs := newFakeBlobs()
	m := NewManager(records, blobs, newFakeEngine(), nil, time.Second)

	file, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.ProcessingSettings{}, nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	waitForStatus(t, m, 1, file.ID, models.StatusReady)

	if err := m.Delete(context.Background(), 1, file.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(context.Background(), 1, file.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected record gone, got %v", err)
	}
	if n := blobs.count(); n != 0 {
		t.Fatalf("expected blob gone, %d left", n)
	}
}

func TestDeleteKeepsRecordWhenBlobRemovalFails(t *testing.T) {
	records := newFakeRecords()
	blobs := newFakeBlobs()
	m := NewManager(records, blobs, newFakeEngine(), nil, time.Second)

	file, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.ProcessingSettings{}, nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	waitForStatus(t, m, 1, file.ID, models.StatusReady)

	blobs.deleteErr = errors.New("disk detached")
	if err := m.Delete(context.Background(), 1, file.ID); err == nil {
		t.Fatalf("expected delete failure")
	}
	if _, err := m.Get(context.Background(), 1, file.ID); err != nil {
		t.Fatalf("record must survive a failed blob delete: %v", err)
	}
}

func TestDeleteAllAbortsWhenBlobBatchFails(t *testing.T) {
	records := newFakeRecords()
	blobs := newFakeBlobs()
	m := NewManager(records, blobs, newFakeEngine(), nil, time.Second)

	for _, name := range []string{"a.mp3", "b.mp3"} {
		file, err := m.Upload(context.Background(), 1, name, []byte("audio"), models.ProcessingSettings{}, nil)
		if err != nil {
			t.Fatalf("Upload %s: %v", name, err)
		}
		waitForStatus(t, m, 1, file.ID, models.StatusReady)
	}

	blobs.deleteErr = errors.New("disk detached")
	if err := m.DeleteAll(context.Background(), 1); err == nil {
		t.Fatalf("expected batch failure")
	}
	files, err := m.List(context.Background(), 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("records must be untouched after aborted batch, got %d", len(files))
	}

	blobs.deleteErr = nil
	if err := m.DeleteAll(context.Background(), 1); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	files, _ = m.List(context.Background(), 1)
	if len(files) != 0 {
		t.Fatalf("expected all records gone, got %d", len(files))
	}
}

func TestRunGuardBlocksConcurrentWork(t *testing.T) {
	records := newFakeRecords()
	eng := newFakeEngine()
	release := make(chan struct{})
	eng.transcribeHook = func() { <-release }
	m := NewManager(records, newFakeBlobs(), eng, nil, 5*time.Second)

	file, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	waitForStatus(t, m, 1, file.ID, models.StatusTranscribing)

	if err := m.Reprocess(context.Background(), 1, file.ID, models.DefaultSettings(), nil); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight from reprocess, got %v", err)
	}
	if err := m.Delete(context.Background(), 1, file.ID); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight from delete, got %v", err)
	}
	if err := m.DeleteAll(context.Background(), 1); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight from delete all, got %v", err)
	}

	close(release)
	waitForStatus(t, m, 1, file.ID, models.StatusReady)
	if err := m.Delete(context.Background(), 1, file.ID); err != nil {
		t.Fatalf("delete after run finished: %v", err)
	}
}

func TestUploadReportsStatusTransitions(t *testing.T) {
	m := NewManager(newFakeRecords(), newFakeBlobs(), newFakeEngine(), nil, time.Second)

	var mu sync.Mutex
	var seen []models.Status
	onStatus := func(fileID int64, status models.Status) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	}

	if _, err := m.Upload(context.Background(), 1, "call.mp3", []byte("audio"), models.DefaultSettings(), onStatus); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	// The callback fires after the store write, so wait on the callback
	// itself rather than on the record.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(seen) > 0 && seen[len(seen)-1].Terminal()
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for terminal transition")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []models.Status{models.StatusTranscribing, models.StatusSummarizing, models.StatusReady}
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func waitForStatus(t *testing.T, m *Manager, ownerID, fileID int64, want models.Status) *models.AudioFile {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		file, err := m.Get(context.Background(), ownerID, fileID)
		if err != nil {
			t.Fatalf("Get while waiting: %v", err)
		}
		if file.Status == want {
			return file
		}
		if file.Status.Terminal() {
			t.Fatalf("reached terminal status %s (error %q) while waiting for %s", file.Status, file.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s", want)
	return nil
}

// fakeRecords is an in-memory RecordStore.
type fakeRecords struct {
	mu     sync.Mutex
	nextID int64
	files  map[int64]models.AudioFile
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{nextID: 1, files: make(map[int64]models.AudioFile)}
}

func (r *fakeRecords) InsertFile(_ context.Context, f models.AudioFile) (*models.AudioFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.ID = r.nextID
	r.nextID++
	if f.UploadedAt.IsZero() {
		f.UploadedAt = time.Now().UTC()
	}
	r.files[f.ID] = f
	out := f
	return &out, nil
}

func (r *fakeRecords) UpdateFile(_ context.Context, id int64, upd library.FileUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok {
		return sql.ErrNoRows
	}
	if upd.Status != nil {
		f.Status = *upd.Status
	}
	if upd.FileURL != nil {
		f.FileURL = *upd.FileURL
	}
	if upd.Transcription != nil {
		f.Transcription = *upd.Transcription
	}
	if upd.KeyEvents != nil {
		f.KeyEvents = *upd.KeyEvents
	}
	if upd.Summary != nil {
		f.Summary = *upd.Summary
	}
	if upd.Error != nil {
		f.Error = *upd.Error
	}
	r.files[id] = f
	return nil
}

func (r *fakeRecords) GetFile(_ context.Context, ownerID, id int64) (*models.AudioFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok || f.OwnerID != ownerID {
		return nil, sql.ErrNoRows
	}
	out := f
	return &out, nil
}

func (r *fakeRecords) ListFilesByOwner(_ context.Context, ownerID int64) ([]models.AudioFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AudioFile
	for _, f := range r.files {
		if f.OwnerID == ownerID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *fakeRecords) FindReadyFile(_ context.Context, ownerID int64, fileName string) (*models.AudioFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.OwnerID == ownerID && f.FileName == fileName && f.Status == models.StatusReady {
			out := f
			return &out, nil
		}
	}
	return nil, nil
}

func (r *fakeRecords) DeleteFile(_ context.Context, ownerID, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok || f.OwnerID != ownerID {
		return sql.ErrNoRows
	}
	delete(r.files, id)
	return nil
}

func (r *fakeRecords) DeleteFiles(_ context.Context, ownerID int64, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if f, ok := r.files[id]; ok && f.OwnerID == ownerID {
			delete(r.files, id)
		}
	}
	return nil
}

func (r *fakeRecords) ListUnfinished(_ context.Context, cutoff time.Time) ([]models.AudioFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AudioFile
	for _, f := range r.files {
		if !f.Status.Terminal() && !f.UploadedAt.After(cutoff) {
			out = append(out, f)
		}
	}
	return out, nil
}

// fakeBlobs is an in-memory BlobStore.
type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr error
	nextID    int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (b *fakeBlobs) Put(name string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	object := fmt.Sprintf("%d-%s", b.nextID, name)
	b.objects[object] = data
	return "/media/" + object, nil
}

func (b *fakeBlobs) Get(object string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[object]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (b *fakeBlobs) Delete(object string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	delete(b.objects, object)
	return nil
}

func (b *fakeBlobs) DeleteMany(objects []string) error {
	for _, obj := range objects {
		if err := b.Delete(obj); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBlobs) PathFromURL(url string) string {
	return strings.TrimPrefix(url, "/media/")
}

func (b *fakeBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// fakeEngine is a StageClient with per-stage counters and failure hooks.
type fakeEngine struct {
	mu             sync.Mutex
	counters       map[string]int
	transcribeErr  error
	eventsErr      error
	summaryErr     error
	transcribeHook func()
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{counters: make(map[string]int)}
}

func (e *fakeEngine) Transcribe(_ context.Context, _ []byte, _ string, _ models.ProcessingSettings) ([]models.Segment, error) {
	e.bump("transcribe")
	if e.transcribeHook != nil {
		e.transcribeHook()
	}
	if e.transcribeErr != nil {
		return nil, e.transcribeErr
	}
	return []models.Segment{
		{StartTime: 0, EndTime: 2.5, Text: "hello"},
		{StartTime: 2.5, EndTime: 4, Text: "world"},
	}, nil
}

func (e *fakeEngine) AnalyzeEvents(_ context.Context, _ []models.Segment, _ models.ProcessingSettings) ([]string, error) {
	e.bump("events")
	if e.eventsErr != nil {
		return nil, e.eventsErr
	}
	return []string{"greeting exchanged"}, nil
}

func (e *fakeEngine) Summarize(_ context.Context, _ []models.Segment, _ models.ProcessingSettings) (string, error) {
	e.bump("summary")
	if e.summaryErr != nil {
		return "", e.summaryErr
	}
	return "a short call", nil
}

func (e *fakeEngine) bump(stage string) {
	e.mu.Lock()
	e.counters[stage]++
	e.mu.Unlock()
}

func (e *fakeEngine) calls(stage string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters[stage]
}

func (e *fakeEngine) allCalls() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.counters))
	for k, v := range e.counters {
		out[k] = v
	}
	return out
}
