package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/models"
)

// ContestRepository reads contests, users and participations.
type ContestRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewContestRepository(pool *pgxpool.Pool, log *logrus.Logger) *ContestRepository {
	return &ContestRepository{pool: pool, log: log}
}

func (r *ContestRepository) Contest(ctx context.Context, id int64) (*models.Contest, error) {
	query := `
		SELECT id, name, description, start_time, stop_time, per_user_time,
		       allowed_languages, score_precision
		FROM contests WHERE id = $1
	`
	contest := &models.Contest{}
	var perUserTime *int64
	var languages []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&contest.ID, &contest.Name, &contest.Description,
		&contest.Start, &contest.Stop, &perUserTime,
		&languages, &contest.ScorePrecision,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load contest %d: %w", id, err)
	}
	if perUserTime != nil {
		d := time.Duration(*perUserTime) * time.Second
		contest.PerUserTime = &d
	}
	if err := json.Unmarshal(languages, &contest.AllowedLanguages); err != nil {
		return nil, fmt.Errorf("failed to decode allowed languages: %w", err)
	}
	return contest, nil
}

func (r *ContestRepository) User(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT id, username, first_name, last_name FROM users WHERE id = $1`
	user := &models.User{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.FirstName, &user.LastName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return user, nil
}

func (r *ContestRepository) Participation(ctx context.Context, id int64) (*models.Participation, error) {
	query := `
		SELECT id, contest_id, user_id, team, hidden, unrestricted, delay, extra_time
		FROM participations WHERE id = $1
	`
	return r.scanParticipation(r.pool.QueryRow(ctx, query, id))
}

func (r *ContestRepository) ParticipationsForContest(ctx context.Context, contestID int64) ([]*models.Participation, error) {
	query := `
		SELECT id, contest_id, user_id, team, hidden, unrestricted, delay, extra_time
		FROM participations WHERE contest_id = $1 ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participations: %w", err)
	}
	defer rows.Close()

	var out []*models.Participation
	for rows.Next() {
		participation, err := r.scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, participation)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func (r *ContestRepository) scanParticipation(row scannable) (*models.Participation, error) {
	participation := &models.Participation{}
	var delay, extraTime *int64
	err := row.Scan(
		&participation.ID, &participation.ContestID, &participation.UserID,
		&participation.Team, &participation.Hidden, &participation.Unrestricted,
		&delay, &extraTime,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load participation: %w", err)
	}
	if delay != nil {
		d := time.Duration(*delay) * time.Second
		participation.Delay = &d
	}
	if extraTime != nil {
		d := time.Duration(*extraTime) * time.Second
		participation.ExtraTime = &d
	}
	return participation, nil
}
