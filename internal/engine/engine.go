package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stegops/internal/config"
	"stegops/internal/domain"
	"stegops/internal/events"
	"stegops/internal/lock"
	"stegops/internal/repo"
	"stegops/internal/store"
)

type Engine struct {
	Store  store.Store
	Config *config.Config
	// DB holds the journal. A nil DB disables journaling.
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(root string, cfg *config.Config, db *sql.DB, log zerolog.Logger) Engine {
	return Engine{
		Store:  store.New(root, cfg.Storage.LeadsDir),
		Config: cfg,
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Process runs one event through the lock, load, compute and save sequence.
// Benign no-ops come back as an Outcome with Skipped set and a nil error.
func (e Engine) Process(ctx context.Context, evt domain.IssueEvent) (domain.Outcome, error) {
	if e.Config == nil {
		return domain.Outcome{}, errors.New("config not loaded")
	}
	out := domain.Outcome{EngagementID: evt.ID, RunID: evt.RunID}
	log := e.Log.With().Int("engagement_id", evt.ID).Str("event", evt.Kind).Str("run_id", evt.RunID).Logger()

	if evt.ID <= 0 {
		out.Skipped = domain.SkipNoEngagement
		log.Info().Str("skip", out.Skipped).Msg("event_skipped")
		return out, nil
	}
	if !evt.HasLabel(e.Config.Intake.Label) {
		out.Skipped = domain.SkipNotInScope
		log.Info().Str("skip", out.Skipped).Str("intake_label", e.Config.Intake.Label).Msg("event_skipped")
		return out, nil
	}

	lk := lock.New(e.Store.LockPath(evt.ID), lock.Options{
		Timeout:    e.Config.Lock.Timeout,
		Poll:       e.Config.Lock.Poll,
		StaleAfter: e.Config.Lock.StaleAfter,
		RunID:      evt.RunID,
		Event:      evt.Kind,
		Logger:     log,
	})
	acquired, err := lk.Acquire(ctx)
	if err != nil {
		return out, fmt.Errorf("acquire lock for engagement %d: %w", evt.ID, err)
	}
	if !acquired {
		out.Skipped = domain.SkipLockTimeout
		log.Warn().Str("skip", out.Skipped).Dur("timeout", e.Config.Lock.Timeout).Msg("event_skipped")
		return out, nil
	}
	defer func() {
		if err := lk.Release(); err != nil {
			log.Error().Err(err).Msg("lock_release_failed")
		}
	}()

	prev, err := e.Store.Load(evt.ID)
	if err != nil {
		log.Warn().Err(err).Msg("previous_state_unreadable")
		prev = nil
	}
	tr := Compute(PolicyFromConfig(e.Config), evt, prev, e.now())
	if tr.VerifyDenied {
		log.Warn().
			Str("actor", evt.Actor).
			Str("trust", string(evt.CommenterTrust)).
			Bool("label_present", evt.HasLabel(e.Config.Labels.VerifyPayment)).
			Msg("verify_payment_denied")
	}

	written, err := e.Store.Save(evt.ID, tr.Next)
	if err != nil {
		return out, fmt.Errorf("persist engagement %d: %w", evt.ID, err)
	}
	out.From = tr.Previous
	out.To = tr.Next.State
	out.Reasons = tr.Next.Reasons
	out.Written = written
	if !written {
		log.Info().Str("state", string(tr.Next.State)).Msg("state_unchanged")
		return out, nil
	}
	log.Info().
		Str("from", string(tr.Previous)).
		Str("to", string(tr.Next.State)).
		Strs("fired", tr.Fired).
		Msg("state_written")

	if err := e.journal(ctx, evt, prev, tr); err != nil {
		log.Warn().Err(err).Msg("journal_append_failed")
	}
	return out, nil
}

// journal records a written transition and refreshes the engagement index.
func (e Engine) journal(ctx context.Context, evt domain.IssueEvent, prev *domain.EngagementState, tr Transition) error {
	if e.DB == nil {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	next := tr.Next
	if err := e.Events.Append(ctx, tx, events.TypeTransition, next.EngagementID, evt.Actor, evt.RunID, events.EventPayload{
		"from":     string(tr.Previous),
		"to":       string(next.State),
		"observed": string(tr.Observed),
		"reasons":  next.Reasons,
		"service":  string(next.Service),
		"event":    evt.Kind,
	}); err != nil {
		return err
	}
	if tr.Reopened {
		if err := e.Events.Append(ctx, tx, events.TypeReopened, next.EngagementID, evt.Actor, evt.RunID, events.EventPayload{
			"from": string(tr.Previous),
			"to":   string(next.State),
		}); err != nil {
			return err
		}
	}
	if next.PrivateWorkspace != nil && (prev == nil || prev.PrivateWorkspace == nil) {
		if err := e.Events.Append(ctx, tx, events.TypeWorkspaceReady, next.EngagementID, evt.Actor, evt.RunID, events.EventPayload{
			"private_workspace": *next.PrivateWorkspace,
			"service":           string(next.Service),
			"customer":          next.Customer,
		}); err != nil {
			return err
		}
	}
	if err := e.Repo.UpsertEngagement(ctx, tx, next.Summary()); err != nil {
		return err
	}
	return tx.Commit()
}
