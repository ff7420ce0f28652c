package rankingproxy

import (
	"strconv"
	"time"

	"dev.helix.grader/internal/models"
)

// Wire payloads of the ranking REST interface. Resources are addressed by
// opaque keys; the database ids serve as keys here.

type contestPayload struct {
	Name           string `json:"name"`
	Begin          int64  `json:"begin"`
	End            int64  `json:"end"`
	ScorePrecision int    `json:"score_precision"`
}

type taskPayload struct {
	Name           string   `json:"name"`
	ShortName      string   `json:"short_name"`
	Contest        string   `json:"contest"`
	Order          int      `json:"order"`
	MaxScore       float64  `json:"max_score"`
	ExtraHeaders   []string `json:"extra_headers"`
	ScorePrecision int      `json:"score_precision"`
	ScoreMode      string   `json:"score_mode"`
}

type userPayload struct {
	FirstName string `json:"f_name"`
	LastName  string `json:"l_name"`
	Team      string `json:"team,omitempty"`
}

type teamPayload struct {
	Name string `json:"name"`
}

type submissionPayload struct {
	User string `json:"user"`
	Task string `json:"task"`
	Time int64  `json:"time"`
}

// subchangePayload is one append-only score/token event the ranking replays
// in timestamp order.
type subchangePayload struct {
	Submission string   `json:"submission"`
	Time       int64    `json:"time"`
	Score      *float64 `json:"score,omitempty"`
	Token      *bool    `json:"token,omitempty"`
	Extra      []string `json:"extra,omitempty"`
}

func key(id int64) string {
	return strconv.FormatInt(id, 10)
}

// subchangeKey makes subchange keys unique and replayable in order.
func subchangeKey(submissionID int64, at time.Time) string {
	return key(submissionID) + "_" + strconv.FormatInt(at.Unix(), 10)
}

func contestBody(contest *models.Contest) contestPayload {
	return contestPayload{
		Name:           contest.Description,
		Begin:          contest.Start.Unix(),
		End:            contest.Stop.Unix(),
		ScorePrecision: contest.ScorePrecision,
	}
}

func userBody(user *models.User, participation *models.Participation) userPayload {
	return userPayload{
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Team:      participation.Team,
	}
}

func submissionBody(submission *models.Submission, participation *models.Participation) submissionPayload {
	return submissionPayload{
		User: key(participation.UserID),
		Task: key(submission.TaskID),
		Time: submission.Timestamp.Unix(),
	}
}
