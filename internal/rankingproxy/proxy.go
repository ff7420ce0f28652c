package rankingproxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dev.helix.grader/internal/config"
	"dev.helix.grader/internal/metrics"
	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/scoring"
)

// Store is the slice of the database the proxy needs to build payloads.
type Store interface {
	Contest(ctx context.Context, id int64) (*models.Contest, error)
	Task(ctx context.Context, id int64) (*models.Task, error)
	TasksForContest(ctx context.Context, contestID int64) ([]*models.Task, error)
	Submission(ctx context.Context, id int64) (*models.Submission, error)
	SubmissionsForContest(ctx context.Context, contestID int64) ([]*models.Submission, error)
	Participation(ctx context.Context, id int64) (*models.Participation, error)
	ParticipationsForContest(ctx context.Context, contestID int64) ([]*models.Participation, error)
	User(ctx context.Context, id int64) (*models.User, error)
	Result(ctx context.Context, submissionID, datasetID int64) (*models.SubmissionResult, error)
}

// Proxy mirrors one contest to every configured ranking endpoint.
type Proxy struct {
	store     Store
	contestID int64
	endpoints []*Endpoint
	log       *logrus.Logger
}

func New(cfg *config.Config, store Store, contestID int64, log *logrus.Logger) (*Proxy, error) {
	if log == nil {
		log = logrus.New()
	}
	endpoints := make([]*Endpoint, 0, len(cfg.Rankings))
	for _, r := range cfg.Rankings {
		endpoint, err := NewEndpoint(r.URL, r.Username, r.Password, log)
		if err != nil {
			return nil, fmt.Errorf("failed to configure ranking %q: %w", r.URL, err)
		}
		endpoints = append(endpoints, endpoint)
	}
	return &Proxy{
		store:     store,
		contestID: contestID,
		endpoints: endpoints,
		log:       log,
	}, nil
}

// SetMetrics attaches a collector to every endpoint.
func (p *Proxy) SetMetrics(c *metrics.Collector) {
	for _, endpoint := range p.endpoints {
		endpoint.metrics = c
	}
}

// Run pushes the initial snapshot and then drains the delivery queues until
// the context is cancelled. In-flight requests finish within the HTTP client
// timeout after cancellation.
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.PushSnapshot(ctx); err != nil {
		p.log.WithError(err).Error("Failed to build ranking snapshot")
	}
	group, ctx := errgroup.WithContext(ctx)
	for _, endpoint := range p.endpoints {
		endpoint := endpoint
		group.Go(func() error { return endpoint.Run(ctx) })
	}
	return group.Wait()
}

func (p *Proxy) enqueue(op operation) {
	for _, endpoint := range p.endpoints {
		endpoint.Enqueue(op)
	}
}

// PushSnapshot enqueues the complete current state of the contest: contest,
// tasks, teams, users, submissions, and one subchange per scored submission. Pushed
// on every start so a ranking that lost state converges again.
func (p *Proxy) PushSnapshot(ctx context.Context) error {
	contest, err := p.store.Contest(ctx, p.contestID)
	if err != nil {
		return fmt.Errorf("failed to load contest: %w", err)
	}
	p.enqueue(operation{http.MethodPut, "contests", key(contest.ID), contestBody(contest)})

	tasks, err := p.store.TasksForContest(ctx, p.contestID)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	for _, task := range tasks {
		body, err := p.taskBody(contest, task)
		if err != nil {
			p.log.WithField("task", task.Name).WithError(err).Warn("Skipping task in snapshot")
			continue
		}
		p.enqueue(operation{http.MethodPut, "tasks", key(task.ID), body})
	}

	participations, err := p.store.ParticipationsForContest(ctx, p.contestID)
	if err != nil {
		return fmt.Errorf("failed to load participations: %w", err)
	}
	users := make(map[int64]*models.Participation, len(participations))
	teams := make(map[string]bool)
	for _, participation := range participations {
		if participation.Hidden {
			continue
		}
		if participation.Team != "" && !teams[participation.Team] {
			teams[participation.Team] = true
			p.enqueue(operation{http.MethodPut, "teams", participation.Team,
				teamPayload{Name: participation.Team}})
		}
		user, err := p.store.User(ctx, participation.UserID)
		if err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}
		users[participation.ID] = participation
		p.enqueue(operation{http.MethodPut, "users", key(user.ID), userBody(user, participation)})
	}

	submissions, err := p.store.SubmissionsForContest(ctx, p.contestID)
	if err != nil {
		return fmt.Errorf("failed to load submissions: %w", err)
	}
	for _, submission := range submissions {
		participation, visible := users[submission.ParticipationID]
		if !visible || !submission.Official {
			continue
		}
		p.enqueue(operation{http.MethodPut, "submissions", key(submission.ID),
			submissionBody(submission, participation)})
		p.pushScoreSubchange(ctx, submission)
	}

	p.log.WithField("contest", contest.Name).Info("Ranking snapshot enqueued")
	return nil
}

// taskBody derives the ranking's task row, including the maximum score and
// the per-subtask column headers from the active dataset's score type.
func (p *Proxy) taskBody(contest *models.Contest, task *models.Task) (taskPayload, error) {
	dataset := task.ActiveDataset()
	if dataset == nil {
		return taskPayload{}, fmt.Errorf("task has no active dataset")
	}
	scoreType, err := scoring.NewScoreType(dataset.ScoreType, dataset.ScoreTypeParameters, dataset)
	if err != nil {
		return taskPayload{}, err
	}
	maxScore, _, headers := scoreType.MaxScores()
	return taskPayload{
		Name:           task.Title,
		ShortName:      task.Name,
		Contest:        key(contest.ID),
		Order:          task.Num,
		MaxScore:       maxScore,
		ExtraHeaders:   headers,
		ScorePrecision: task.ScorePrecision,
		ScoreMode:      string(task.ScoreMode),
	}, nil
}

// ScoreChanged implements the scoring service's notifier: it pushes a
// subchange carrying the submission's new score.
func (p *Proxy) ScoreChanged(submissionID, datasetID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	submission, err := p.store.Submission(ctx, submissionID)
	if err != nil {
		p.log.WithField("submission", submissionID).WithError(err).Error("Failed to load scored submission")
		return
	}
	if !submission.Official {
		return
	}
	p.pushScoreSubchange(ctx, submission)
}

func (p *Proxy) pushScoreSubchange(ctx context.Context, submission *models.Submission) {
	task, err := p.store.Task(ctx, submission.TaskID)
	if err != nil || task.ActiveDatasetID == nil {
		return
	}
	result, err := p.store.Result(ctx, submission.ID, *task.ActiveDatasetID)
	if err != nil || result == nil || !result.Scored() {
		return
	}
	now := time.Now()
	p.enqueue(operation{http.MethodPut, "subchanges", subchangeKey(submission.ID, now),
		subchangePayload{
			Submission: key(submission.ID),
			Time:       now.Unix(),
			Score:      result.Score,
			Extra:      result.RankingScoreDetails,
		}})
}

// SubmissionTokened pushes the token release of a submission.
func (p *Proxy) SubmissionTokened(submissionID int64, at time.Time) {
	tokened := true
	p.enqueue(operation{http.MethodPut, "subchanges", subchangeKey(submissionID, at),
		subchangePayload{
			Submission: key(submissionID),
			Time:       at.Unix(),
			Token:      &tokened,
		}})
}

// SubmissionRemoved deletes a submission from the rankings, e.g. after an
// admin drops it.
func (p *Proxy) SubmissionRemoved(submissionID int64) {
	p.enqueue(operation{http.MethodDelete, "submissions", key(submissionID), nil})
}

// QueueLengths reports the pending deliveries per endpoint.
func (p *Proxy) QueueLengths() map[string]int {
	out := make(map[string]int, len(p.endpoints))
	for _, endpoint := range p.endpoints {
		out[endpoint.baseURL] = endpoint.QueueLen()
	}
	return out
}
