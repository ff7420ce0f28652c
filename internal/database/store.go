package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/evaluation"
	"dev.helix.grader/internal/httpapi"
	"dev.helix.grader/internal/rankingproxy"
	"dev.helix.grader/internal/scoring"
)

var (
	_ evaluation.Store   = (*Store)(nil)
	_ scoring.Store      = (*Store)(nil)
	_ rankingproxy.Store = (*Store)(nil)
	_ httpapi.Store      = (*Store)(nil)
)

// Store bundles the repositories into the one value the services take their
// store interfaces from. Each service declares the narrow interface it
// needs; Store satisfies all of them.
type Store struct {
	*ContestRepository
	*TaskRepository
	*SubmissionRepository
	*ResultRepository
	*UserTestResultRepository
}

func NewStore(pool *pgxpool.Pool, log *logrus.Logger) *Store {
	return &Store{
		ContestRepository:        NewContestRepository(pool, log),
		TaskRepository:           NewTaskRepository(pool, log),
		SubmissionRepository:     NewSubmissionRepository(pool, log),
		ResultRepository:         NewResultRepository(pool, log),
		UserTestResultRepository: NewUserTestResultRepository(pool, log),
	}
}
