package interview

import (
	"time"

	"github.com/google/uuid"

	"github.com/highlog/orchestrator/internal/config"
)

// Action is the router's decision for the next turn.
type Action string

const (
	ActionFollowUp Action = "follow_up"
	ActionNewTopic Action = "new_topic"
	ActionWrapUp   Action = "wrap_up"
)

// Session difficulty levels chosen by the candidate.
const (
	DifficultyEasy   = "Easy"
	DifficultyNormal = "Normal"
	DifficultyHard   = "Hard"
)

// followUpThreshold is the answer score below which the interviewer probes
// deeper instead of moving on.
const followUpThreshold = 60

// IntroTopic is the fixed opening topic of every interview.
const IntroTopic = "자기소개"

// SubTopics is the ordered topic pool an interview walks through.
var SubTopics = []string{"출결", "성적", "동아리", "리더십", "인성/태도", "진로/자율", "독서", "봉사"}

// Evaluation axes aggregated into the final report.
const (
	AxisMajorFit      = "전공적합성"
	AxisCharacter     = "인성"
	AxisGrowth        = "발전가능성"
	AxisCommunication = "의사소통능력"
)

// axisForTopic maps a sub-topic to the axis its answer scores accumulate on.
// The intro topic counts toward communication; see DESIGN.md.
var axisForTopic = map[string]string{
	"성적":       AxisMajorFit,
	"동아리":      AxisMajorFit,
	"리더십":      AxisCharacter,
	"인성/태도":    AxisCharacter,
	"봉사":       AxisCharacter,
	"진로/자율":    AxisGrowth,
	"독서":       AxisGrowth,
	"출결":       AxisCommunication,
	IntroTopic: AxisCommunication,
}

// topicCategory maps a sub-topic to the record category used for retrieval
// context when asking about it.
var topicCategory = map[string]string{
	"출결":    "출결",
	"성적":    "성적",
	"동아리":   "창체",
	"리더십":   "행특",
	"인성/태도": "행특",
	"진로/자율": "진로",
	"독서":    "독서",
	"봉사":    "창체",
}

// AnswerRecord is one evaluated answer in the session history. ContextUsed
// holds the chunk bodies that grounded the question being answered.
type AnswerRecord struct {
	Turn          int      `json:"turn"`
	Topic         string   `json:"topic"`
	Question      string   `json:"question"`
	Answer        string   `json:"answer"`
	Score         int      `json:"score"`
	Grade         string   `json:"grade"`
	Feedback      string   `json:"feedback"`
	StrengthTags  []string `json:"strength_tags,omitempty"`
	WeaknessTags  []string `json:"weakness_tags,omitempty"`
	ContextUsed   []string `json:"context_used,omitempty"`
	ResponseTimeS float64  `json:"response_time_s"`
}

// State is the full interview state committed to a checkpoint after every
// node. It round-trips through JSON unchanged. RemainingTimeS is the session
// time budget, drawn down by each answer's response time; routing reads it
// from here, never from the wall clock, so replaying a checkpoint with the
// same answer and response time routes identically.
type State struct {
	ThreadID        string         `json:"thread_id"`
	RecordID        uuid.UUID      `json:"record_id"`
	UserID          string         `json:"user_id"`
	Difficulty      string         `json:"difficulty"`
	StartedAt       time.Time      `json:"started_at"`
	Turn            int            `json:"turn"`
	RemainingTimeS  float64        `json:"remaining_time_s"`
	CurrentQuestion string         `json:"current_question"`
	CurrentTopic    string         `json:"current_topic"`
	CurrentContext  []string       `json:"current_context,omitempty"`
	TopicsCovered   []string       `json:"topics_covered"`
	FollowUpCount   int            `json:"follow_up_count"`
	AxisScores      map[string]int `json:"axis_scores"`
	AxisCounts      map[string]int `json:"axis_counts"`
	Answers         []AnswerRecord `json:"answers"`
	Completed       bool           `json:"completed"`
}

// addScore accumulates an answer score on the axis of its topic. Topics
// outside the mapping contribute to no axis.
func (s *State) addScore(topic string, score int) {
	axis, ok := axisForTopic[topic]
	if !ok {
		return
	}
	if s.AxisScores == nil {
		s.AxisScores = map[string]int{}
		s.AxisCounts = map[string]int{}
	}
	s.AxisScores[axis] += score
	s.AxisCounts[axis]++
}

// axisAverages returns the mean score per axis plus the overall mean.
// Axes with no answers score 0.
func (s *State) axisAverages() map[string]int {
	out := map[string]int{
		AxisMajorFit:      0,
		AxisCharacter:     0,
		AxisGrowth:        0,
		AxisCommunication: 0,
	}
	var sum, n int
	for axis := range out {
		if c := s.AxisCounts[axis]; c > 0 {
			out[axis] = s.AxisScores[axis] / c
			sum += out[axis]
			n++
		}
	}
	total := 0
	if n > 0 {
		total = sum / n
	}
	out["총점"] = total
	return out
}

// nextTopic returns the first sub-topic not yet covered, or "" when the
// pool is exhausted.
func (s *State) nextTopic() string {
	covered := make(map[string]bool, len(s.TopicsCovered))
	for _, t := range s.TopicsCovered {
		covered[t] = true
	}
	for _, t := range SubTopics {
		if !covered[t] {
			return t
		}
	}
	return ""
}

// route decides the next action. Order matters: running out of time always
// wins, a weak answer is probed before topic count is considered, and an
// exhausted topic budget wraps up.
func route(remainingS float64, lastScore, followUps, topicsCovered int, cfg config.InterviewConfig) Action {
	if remainingS < float64(cfg.WrapUpThreshold) {
		return ActionWrapUp
	}
	if lastScore < followUpThreshold && followUps < cfg.MaxFollowUps {
		return ActionFollowUp
	}
	if topicsCovered >= cfg.MaxTopics {
		return ActionWrapUp
	}
	return ActionNewTopic
}

// gradeFor converts an axis score to its band.
func gradeFor(score int) string {
	switch {
	case score >= 80:
		return "좋음"
	case score >= 60:
		return "보통"
	default:
		return "개선 필요"
	}
}
