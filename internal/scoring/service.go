package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/metrics"
	"dev.helix.grader/internal/models"
)

// Store is the slice of the database the scoring service needs.
type Store interface {
	// UnscoredResults returns submission results that are terminal
	// (compilation failed, or fully evaluated) but not yet scored.
	UnscoredResults(ctx context.Context) ([]*models.SubmissionResult, error)
	Submission(ctx context.Context, id int64) (*models.Submission, error)
	Dataset(ctx context.Context, id int64) (*models.Dataset, error)
	Task(ctx context.Context, id int64) (*models.Task, error)
	SaveScore(ctx context.Context, result *models.SubmissionResult) error
}

// Notifier is told about new scores so they can be pushed to rankings.
type Notifier interface {
	ScoreChanged(submissionID, datasetID int64)
}

// Service scores terminal submission results. It is woken explicitly when a
// result becomes terminal and additionally sweeps the database on a timer,
// so results orphaned by a crash are picked up too.
type Service struct {
	store    Store
	notifier Notifier
	interval time.Duration
	log      *logrus.Logger
	metrics  *metrics.Collector
	wake     chan struct{}
}

func NewService(store Store, notifier Notifier, interval time.Duration, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		interval: interval,
		log:      log,
		wake:     make(chan struct{}, 1),
	}
}

// SetMetrics attaches a collector.
func (s *Service) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// Wake nudges the service to sweep now instead of at the next tick.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sweeps until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Startup recovery: anything left unscored by a previous run.
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.wake:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	results, err := s.store.UnscoredResults(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to list unscored results")
		return
	}
	for _, result := range results {
		if err := s.ScoreResult(ctx, result); err != nil {
			s.log.WithFields(logrus.Fields{
				"submission": result.SubmissionID,
				"dataset":    result.DatasetID,
			}).WithError(err).Error("Failed to score submission result")
		}
	}
}

// ScoreResult computes and persists the score of one terminal result. The
// score type is pure, so scoring the same result twice is harmless.
func (s *Service) ScoreResult(ctx context.Context, result *models.SubmissionResult) error {
	if !result.NeedsScoring() {
		return nil
	}

	submission, err := s.store.Submission(ctx, result.SubmissionID)
	if err != nil {
		return fmt.Errorf("failed to load submission: %w", err)
	}
	dataset, err := s.store.Dataset(ctx, result.DatasetID)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	task, err := s.store.Task(ctx, submission.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}

	scoreType, err := NewScoreType(dataset.ScoreType, dataset.ScoreTypeParameters, dataset)
	if err != nil {
		return err
	}
	score, err := scoreType.ComputeScore(result)
	if err != nil {
		return err
	}

	// Only the final scores are rounded; details keep the exact values.
	rounded := roundToPrecision(score.Score, task.ScorePrecision)
	publicRounded := roundToPrecision(score.PublicScore, task.ScorePrecision)

	result.Score = &rounded
	result.ScoreDetails = score.Details
	result.PublicScore = &publicRounded
	result.PublicScoreDetails = score.PublicDetails
	result.RankingScoreDetails = score.RankingDetails

	if err := s.store.SaveScore(ctx, result); err != nil {
		return fmt.Errorf("failed to persist score: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"submission": result.SubmissionID,
		"dataset":    result.DatasetID,
		"score":      rounded,
	}).Info("Submission scored")
	if s.metrics != nil {
		s.metrics.ResultsScored.Inc()
	}

	if s.notifier != nil {
		s.notifier.ScoreChanged(result.SubmissionID, result.DatasetID)
	}
	return nil
}
