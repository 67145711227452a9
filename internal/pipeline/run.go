package pipeline

import (
	"context"

	"callscribe/internal/models"
	"callscribe/internal/service/library"
)

type runInput struct {
	file *models.AudioFile
	// audio holds the upload bytes when the caller already has them;
	// reprocess runs fetch the blob instead.
	audio    []byte
	settings models.ProcessingSettings
	onStatus StatusFn
}

// stagePlan is the stage-selection table for one run, evaluated once
// from the settings snapshot before any stage executes.
type stagePlan struct {
	transcribe bool
	keyEvents  bool
	summarize  bool
}

func planStages(settings models.ProcessingSettings, haveTranscript bool) stagePlan {
	plan := stagePlan{transcribe: settings.TranscriptionEnabled}
	// Event extraction and summarization need transcript input: either
	// this run produces one or the record already holds one.
	if plan.transcribe || haveTranscript {
		plan.keyEvents = settings.KeyEventsEnabled
		plan.summarize = settings.SummaryEnabled
	}
	return plan
}

// run executes the state machine for a single file:
// processing -> transcribing -> summarizing -> ready, or -> failed on
// the first stage error. Artifacts committed before the failure stay.
func (m *Manager) run(in runInput) {
	defer m.releaseRun(in.file.ID)

	log := m.log.WithFile(in.file.ID)
	transcript := in.file.Transcription
	plan := planStages(in.settings, len(transcript) > 0)

	if plan.transcribe {
		if !m.setStatus(in, models.StatusTranscribing, library.FileUpdate{}) {
			return
		}

		audio := in.audio
		if audio == nil {
			var err error
			audio, err = m.blobs.Get(m.blobs.PathFromURL(in.file.FileURL))
			if err != nil {
				log.WithError(err).Error("fetch audio blob failed")
				m.fail(in, &StorageError{Op: "get", Err: err})
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.stageTimeout)
		segments, err := m.engine.Transcribe(ctx, audio, in.file.FileName, in.settings)
		cancel()
		if err != nil {
			log.WithError(err).Error("transcription failed")
			m.fail(in, &StageError{Stage: "transcribe", Err: err})
			return
		}

		transcript = segments
		if !m.setStatus(in, models.StatusSummarizing, library.FileUpdate{Transcription: &transcript}) {
			return
		}
		log.WithField("segments", len(segments)).Info("transcription completed")
	}

	// Re-gate on what this run actually has: transcription may have
	// been skipped with no stored transcript to fall back on.
	runEvents := plan.keyEvents && len(transcript) > 0
	runSummary := plan.summarize && len(transcript) > 0

	final := library.FileUpdate{}
	if runEvents || runSummary {
		if !plan.transcribe {
			if !m.setStatus(in, models.StatusSummarizing, library.FileUpdate{}) {
				return
			}
		}

		events, summary, err := m.analyze(transcript, in.settings, runEvents, runSummary)
		if err != nil {
			log.WithError(err).Error("analysis failed")
			m.fail(in, err)
			return
		}
		if runEvents {
			final.KeyEvents = &events
		}
		if runSummary {
			final.Summary = &summary
		}
	}

	if !m.setStatus(in, models.StatusReady, final) {
		return
	}
	log.Info("pipeline run completed")
}

// analyze runs event extraction and summarization concurrently; both
// must finish before the stage counts as complete.
func (m *Manager) analyze(transcript []models.Segment, settings models.ProcessingSettings, runEvents, runSummary bool) ([]string, string, error) {
	type eventsResult struct {
		events []string
		err    error
	}
	type summaryResult struct {
		summary string
		err     error
	}

	eventsCh := make(chan eventsResult, 1)
	summaryCh := make(chan summaryResult, 1)

	if runEvents {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.stageTimeout)
			defer cancel()
			events, err := m.engine.AnalyzeEvents(ctx, transcript, settings)
			eventsCh <- eventsResult{events: events, err: err}
		}()
	} else {
		eventsCh <- eventsResult{}
	}
	if runSummary {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.stageTimeout)
			defer cancel()
			summary, err := m.engine.Summarize(ctx, transcript, settings)
			summaryCh <- summaryResult{summary: summary, err: err}
		}()
	} else {
		summaryCh <- summaryResult{}
	}

	ev := <-eventsCh
	sum := <-summaryCh
	if ev.err != nil {
		return nil, "", &StageError{Stage: "analyze-events", Err: ev.err}
	}
	if sum.err != nil {
		return nil, "", &StageError{Stage: "summarize", Err: sum.err}
	}
	if ev.events == nil {
		ev.events = []string{}
	}
	return ev.events, sum.summary, nil
}

// setStatus persists the transition plus any artifacts in upd and fans
// it out. A false return means the record write failed and the run must
// stop; nothing downstream may assume the transition happened.
func (m *Manager) setStatus(in runInput, status models.Status, upd library.FileUpdate) bool {
	upd.Status = &status
	if status == models.StatusReady {
		// A ready record carries no failure message from earlier runs.
		empty := ""
		upd.Error = &empty
	}
	if err := m.records.UpdateFile(context.Background(), in.file.ID, upd); err != nil {
		m.log.WithFile(in.file.ID).WithError(err).Error("persist status failed")
		return false
	}
	m.notify(in.file.OwnerID, in.file.ID, status, "", in.onStatus)
	return true
}

// fail freezes the record in the failed state. Artifacts already
// committed are left in place, nothing from the failing stage is kept.
func (m *Manager) fail(in runInput, cause error) {
	status := models.StatusFailed
	msg := cause.Error()
	if err := m.records.UpdateFile(context.Background(), in.file.ID, library.FileUpdate{Status: &status, Error: &msg}); err != nil {
		m.log.WithFile(in.file.ID).WithError(err).Error("persist failed status")
	}
	m.notify(in.file.OwnerID, in.file.ID, status, msg, in.onStatus)
}
