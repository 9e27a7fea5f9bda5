package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/blob"
	"github.com/highlog/orchestrator/internal/checkpoint"
	"github.com/highlog/orchestrator/internal/config"
	"github.com/highlog/orchestrator/internal/db"
	"github.com/highlog/orchestrator/internal/metrics"
	"github.com/highlog/orchestrator/internal/modelgw"
	"github.com/highlog/orchestrator/internal/registry"
	"github.com/highlog/orchestrator/internal/vectorstore"
)

// FirstQuestion opens every interview.
const FirstQuestion = "자기소개 부탁드립니다."

var (
	// ErrRecordNotReady is returned when the record has not finished ingest.
	ErrRecordNotReady = errors.New("record is not ready for an interview")
	// ErrSessionCompleted is returned for turns against a finished session.
	ErrSessionCompleted = errors.New("interview session is already completed")
	// ErrSessionNotFound is returned when the thread has no state.
	ErrSessionNotFound = errors.New("interview session not found")
	// ErrInvalidDifficulty is returned for difficulties outside Easy,
	// Normal, Hard.
	ErrInvalidDifficulty = errors.New("unknown difficulty")
)

type generativeClient interface {
	Generate(ctx context.Context, prompt string, schema modelgw.Schema, out interface{}) error
	Transcribe(ctx context.Context, audio []byte, mime string) (string, error)
}

type retriever interface {
	Search(ctx context.Context, recordID uuid.UUID, category string, query []float64, k int) ([]vectorstore.ScoredChunk, error)
}

type embedderService interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type checkpointStore interface {
	Commit(ctx context.Context, threadID string, state interface{}) (int, error)
	Latest(ctx context.Context, threadID string, state interface{}) (int, error)
}

type sessionRegistry interface {
	Create(ctx context.Context, sess *db.Session) error
	Complete(ctx context.Context, threadID string, stats registry.Stats, report json.RawMessage) error
}

type recordReader interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*db.Record, error)
}

type questionBank interface {
	ListQuestions(ctx context.Context, recordID uuid.UUID, category, difficulty string) ([]db.Question, error)
}

type synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type audioStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Engine runs mock interview sessions. Each turn evaluates the answer,
// routes to the next action, and commits a checkpoint after every node.
type Engine struct {
	gateway     generativeClient
	chunks      retriever
	embedder    embedderService
	checkpoints checkpointStore
	sessions    sessionRegistry
	records     recordReader
	bank        questionBank
	tts         synthesizer // optional
	audio       audioStore  // optional, required for audio turns
	tuning      func() config.InterviewConfig
	topK        int
	locks       *turnLocks
	logger      *zap.Logger
	now         func() time.Time
}

func NewEngine(
	gateway generativeClient,
	chunks retriever,
	embedder embedderService,
	checkpoints checkpointStore,
	sessions sessionRegistry,
	records recordReader,
	bank questionBank,
	tts synthesizer,
	audio audioStore,
	tuning func() config.InterviewConfig,
	topK int,
	logger *zap.Logger,
) *Engine {
	if topK <= 0 {
		topK = 3
	}
	return &Engine{
		gateway:     gateway,
		chunks:      chunks,
		embedder:    embedder,
		checkpoints: checkpoints,
		sessions:    sessions,
		records:     records,
		bank:        bank,
		tts:         tts,
		audio:       audio,
		tuning:      tuning,
		topK:        topK,
		locks:       newTurnLocks(),
		logger:      logger,
		now:         time.Now,
	}
}

// TurnResult is what one turn (or Initialize) returns to the caller.
type TurnResult struct {
	ThreadID       string          `json:"thread_id"`
	Turn           int             `json:"turn"`
	Action         Action          `json:"action"`
	Question       string          `json:"next_question"`
	RemainingTimeS float64         `json:"remaining_time_s"`
	Evaluation     *AnswerRecord   `json:"analysis,omitempty"`
	IsFinished     bool            `json:"is_finished"`
	Report         json.RawMessage `json:"report,omitempty"`
	AudioKey       string          `json:"audio_key,omitempty"`
}

// Initialize starts a session against a READY record. With an empty
// firstAnswer it returns the fixed opening question; with one it runs the
// normal turn pipeline on the candidate's self-introduction and returns the
// next question.
func (e *Engine) Initialize(ctx context.Context, recordID uuid.UUID, userID, difficulty, firstAnswer string, responseTimeS float64) (*TurnResult, error) {
	switch difficulty {
	case DifficultyEasy, DifficultyNormal, DifficultyHard:
	case "":
		difficulty = DifficultyNormal
	default:
		return nil, fmt.Errorf("%w %q", ErrInvalidDifficulty, difficulty)
	}

	rec, err := e.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != db.RecordStatusReady {
		return nil, fmt.Errorf("%w: status %s", ErrRecordNotReady, rec.Status)
	}

	threadID := newThreadID(recordID)
	startedAt := e.now()
	if err := e.sessions.Create(ctx, &db.Session{
		ThreadID:   threadID,
		RecordID:   recordID,
		UserID:     userID,
		Difficulty: difficulty,
		StartedAt:  startedAt,
	}); err != nil {
		return nil, err
	}

	cfg := e.tuning()
	state := State{
		ThreadID:        threadID,
		RecordID:        recordID,
		UserID:          userID,
		Difficulty:      difficulty,
		StartedAt:       startedAt,
		Turn:            1,
		RemainingTimeS:  float64(cfg.TotalTimeS),
		CurrentQuestion: FirstQuestion,
		CurrentTopic:    IntroTopic,
	}
	state.CurrentContext = e.retrieveContext(ctx, &state, IntroTopic, "")
	if _, err := e.checkpoints.Commit(ctx, threadID, state); err != nil {
		return nil, err
	}

	metrics.InterviewsActive.Inc()
	e.logger.Info("Interview session started",
		zap.String("thread_id", threadID),
		zap.String("record_id", recordID.String()),
		zap.String("difficulty", difficulty),
	)

	if firstAnswer != "" {
		return e.ChatTurn(ctx, threadID, firstAnswer, responseTimeS)
	}

	return &TurnResult{
		ThreadID:       threadID,
		Turn:           1,
		Action:         ActionNewTopic,
		Question:       FirstQuestion,
		RemainingTimeS: state.RemainingTimeS,
	}, nil
}

// ChatTurn processes one text answer. Concurrent turns for the same thread
// are rejected with ErrTurnInFlight.
func (e *Engine) ChatTurn(ctx context.Context, threadID, answer string, responseTimeS float64) (*TurnResult, error) {
	if !e.locks.acquire(threadID) {
		return nil, ErrTurnInFlight
	}
	defer e.locks.release(threadID)

	start := e.now()
	var state State
	if _, err := e.checkpoints.Latest(ctx, threadID, &state); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if state.Completed {
		return nil, ErrSessionCompleted
	}

	cfg := e.tuning()
	// The time budget is part of the state, drawn down by the reported
	// response time. Routing never consults the wall clock, so replaying a
	// checkpoint with the same answer and response time routes identically.
	state.RemainingTimeS -= responseTimeS
	if state.RemainingTimeS < 0 {
		state.RemainingTimeS = 0
	}

	eval, err := e.evaluate(ctx, &state, answer)
	if err != nil {
		metrics.InterviewTurns.WithLabelValues("evaluate", "error").Inc()
		return nil, err
	}
	rec := AnswerRecord{
		Turn:          state.Turn,
		Topic:         state.CurrentTopic,
		Question:      state.CurrentQuestion,
		Answer:        answer,
		Score:         eval.Score,
		Grade:         gradeFor(eval.Score),
		Feedback:      eval.Feedback,
		StrengthTags:  eval.StrengthTags,
		WeaknessTags:  eval.WeaknessTags,
		ContextUsed:   state.CurrentContext,
		ResponseTimeS: responseTimeS,
	}
	state.Answers = append(state.Answers, rec)
	state.addScore(state.CurrentTopic, eval.Score)

	action := route(state.RemainingTimeS, eval.Score, state.FollowUpCount, len(state.TopicsCovered), cfg)
	if action == ActionNewTopic && state.nextTopic() == "" {
		action = ActionWrapUp
	}
	state.Turn++
	if _, err := e.checkpoints.Commit(ctx, threadID, state); err != nil {
		return nil, err
	}

	result := &TurnResult{
		ThreadID:       threadID,
		Turn:           state.Turn,
		Action:         action,
		RemainingTimeS: state.RemainingTimeS,
		Evaluation:     &rec,
	}

	var stats registry.Stats
	var report json.RawMessage
	switch action {
	case ActionFollowUp:
		state.FollowUpCount++
		q, err := e.followUpQuestion(ctx, &state, answer)
		if err != nil {
			return nil, err
		}
		state.CurrentQuestion = q
		result.Question = q

	case ActionNewTopic:
		topic := state.nextTopic()
		state.CurrentTopic = topic
		state.TopicsCovered = append(state.TopicsCovered, topic)
		state.FollowUpCount = 0
		state.CurrentContext = e.retrieveContext(ctx, &state, topic, topicCategory[topic])
		if _, err := e.checkpoints.Commit(ctx, threadID, state); err != nil {
			return nil, err
		}
		q, err := e.topicQuestion(ctx, &state, topic)
		if err != nil {
			return nil, err
		}
		state.CurrentQuestion = q
		result.Question = q

	case ActionWrapUp:
		closing, rep, st, err := e.wrapUp(ctx, &state)
		if err != nil {
			return nil, err
		}
		state.Completed = true
		state.CurrentQuestion = closing
		result.Question = closing
		result.IsFinished = true
		result.Report = rep
		report, stats = rep, st
	}

	if _, err := e.checkpoints.Commit(ctx, threadID, state); err != nil {
		return nil, err
	}

	// The session row flips to COMPLETED only after the wrap-up state is
	// durable, so a commit failure never strands a COMPLETED session on an
	// in-progress checkpoint.
	if action == ActionWrapUp {
		if err := e.sessions.Complete(ctx, threadID, stats, report); err != nil {
			return nil, err
		}
		metrics.InterviewsActive.Dec()
		e.logger.Info("Interview completed",
			zap.String("thread_id", threadID),
			zap.Int("turns", state.Turn),
			zap.Int("answers", len(state.Answers)),
		)
	}

	metrics.InterviewTurns.WithLabelValues(string(action), "success").Inc()
	metrics.InterviewTurnDuration.Observe(e.now().Sub(start).Seconds())
	return result, nil
}

// ChatTurnAudio transcribes the spoken answer, runs the turn, and stores
// synthesized audio for the next question.
func (e *Engine) ChatTurnAudio(ctx context.Context, threadID string, audio []byte, mime string, responseTimeS float64) (*TurnResult, error) {
	text, err := e.gateway.Transcribe(ctx, audio, mime)
	if err != nil {
		return nil, fmt.Errorf("transcribe answer: %w", err)
	}

	result, err := e.ChatTurn(ctx, threadID, text, responseTimeS)
	if err != nil {
		return nil, err
	}

	if e.tts != nil && e.audio != nil && result.Question != "" {
		speech, err := e.tts.Synthesize(ctx, result.Question)
		if err != nil {
			// The turn itself is committed; audio is best effort.
			e.logger.Warn("TTS synthesis failed",
				zap.String("thread_id", threadID),
				zap.Error(err),
			)
			return result, nil
		}
		key := blob.TTSKey(threadID, result.Turn)
		if err := e.audio.Put(ctx, key, speech, "audio/mpeg"); err != nil {
			e.logger.Warn("Failed to store question audio", zap.Error(err))
			return result, nil
		}
		result.AudioKey = key
	}
	return result, nil
}

type evaluation struct {
	Score        int      `json:"score"`
	Feedback     string   `json:"feedback"`
	StrengthTags []string `json:"strength_tags"`
	WeaknessTags []string `json:"weakness_tags"`
}

func (e *Engine) evaluate(ctx context.Context, state *State, answer string) (*evaluation, error) {
	prompt := fmt.Sprintf(`당신은 대입 면접관입니다. 지원자의 답변을 평가하세요.

면접 난이도: %s
주제: %s
질문: %s
답변: %s

0~100점으로 채점하고 구체적인 피드백을 작성하세요.
강점 태그(strength_tags)와 약점 태그(weakness_tags)를 포함하세요.`,
		state.Difficulty, state.CurrentTopic, state.CurrentQuestion, answer)

	var eval evaluation
	if err := e.gateway.Generate(ctx, prompt, modelgw.AnswerEvaluation, &eval); err != nil {
		return nil, fmt.Errorf("evaluate answer: %w", err)
	}
	return &eval, nil
}

// followUpQuestion probes the same topic again, reusing the context that
// grounded the current question instead of retrieving fresh chunks.
func (e *Engine) followUpQuestion(ctx context.Context, state *State, answer string) (string, error) {
	context_ := strings.Join(state.CurrentContext, "\n")
	if context_ == "" {
		context_ = "(관련 기록 없음)"
	}
	prompt := fmt.Sprintf(`당신은 대입 면접관입니다. 지원자의 답변이 충분하지 않아 꼬리 질문을 합니다.

주제: %s
직전 질문: %s
지원자 답변: %s
생활기록부 관련 내용:
%s

답변을 더 깊이 파고드는 꼬리 질문을 하나 생성하세요.`,
		state.CurrentTopic, state.CurrentQuestion, answer, context_)

	var out struct {
		Question string `json:"question"`
	}
	if err := e.gateway.Generate(ctx, prompt, modelgw.NextQuestion, &out); err != nil {
		return "", fmt.Errorf("generate follow-up: %w", err)
	}
	return out.Question, nil
}

// topicQuestion prefers an unused pre-generated question for the topic's
// category, falling back to generation over the retrieved context.
func (e *Engine) topicQuestion(ctx context.Context, state *State, topic string) (string, error) {
	category := topicCategory[topic]

	banked, err := e.bank.ListQuestions(ctx, state.RecordID, category, bankDifficulty(state.Difficulty))
	if err == nil {
		asked := make(map[string]bool, len(state.Answers))
		for _, a := range state.Answers {
			asked[a.Question] = true
		}
		for _, q := range banked {
			if !asked[q.Body] {
				return q.Body, nil
			}
		}
	}

	content := strings.Join(state.CurrentContext, "\n")
	if content == "" {
		content = "(관련 기록 없음)"
	}

	prompt := fmt.Sprintf(`당신은 대입 면접관입니다. 새로운 주제로 넘어갑니다.

면접 난이도: %s
새 주제: %s
생활기록부 관련 내용:
%s

이 주제에 대한 면접 질문을 하나 생성하세요. 기록에 없는 내용을 추측해서 묻지 마세요.`,
		state.Difficulty, topic, content)

	var out struct {
		Question string `json:"question"`
	}
	if err := e.gateway.Generate(ctx, prompt, modelgw.NextQuestion, &out); err != nil {
		return "", fmt.Errorf("generate topic question: %w", err)
	}
	return out.Question, nil
}

// retrieveContext embeds a topic seed and pulls the closest chunks to ground
// the next question. An empty category searches the whole record. Failures
// degrade to an empty context.
func (e *Engine) retrieveContext(ctx context.Context, state *State, seed, category string) []string {
	vec, err := e.embedder.GenerateEmbedding(ctx, seed)
	if err != nil {
		e.logger.Warn("Context embedding failed", zap.Error(err))
		return nil
	}
	query := make([]float64, len(vec))
	for i, f := range vec {
		query[i] = float64(f)
	}
	hits, err := e.chunks.Search(ctx, state.RecordID, category, query, e.topK)
	if err != nil {
		e.logger.Warn("Context retrieval failed", zap.Error(err))
		return nil
	}
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Chunk.ChunkText
	}
	return texts
}

type wrapUpReport struct {
	ClosingMessage   string            `json:"closing_message"`
	Scores           map[string]int    `json:"scores"`
	StrengthTags     []string          `json:"strength_tags"`
	WeaknessTags     []string          `json:"weakness_tags"`
	DetailedAnalysis []json.RawMessage `json:"detailed_analysis"`
}

// wrapUp builds the final report and session stats. The model writes the
// narrative; the axis scores come from the accumulated per-answer
// evaluations, not the model. The caller commits the wrap-up checkpoint
// before finalizing the session row.
func (e *Engine) wrapUp(ctx context.Context, state *State) (string, json.RawMessage, registry.Stats, error) {
	averages := state.axisAverages()

	var history strings.Builder
	for _, a := range state.Answers {
		fmt.Fprintf(&history, "[%s] Q: %s\nA: %s\n점수: %d, 피드백: %s\n\n",
			a.Topic, a.Question, a.Answer, a.Score, a.Feedback)
	}
	avgJSON, _ := json.Marshal(averages)

	prompt := fmt.Sprintf(`당신은 대입 면접관입니다. 모의 면접이 끝났습니다. 최종 리포트를 작성하세요.

면접 기록:
%s
축별 평균 점수: %s

마무리 인사(closing_message), 항목별 점수(scores), 강점/약점 태그,
그리고 질문별 상세 분석(detailed_analysis)을 작성하세요.
scores에는 위 평균 점수를 그대로 사용하세요.`, history.String(), avgJSON)

	var report wrapUpReport
	if err := e.gateway.Generate(ctx, prompt, modelgw.WrapUpReport, &report); err != nil {
		return "", nil, registry.Stats{}, fmt.Errorf("generate final report: %w", err)
	}

	// Accumulated scores are authoritative over the model's copy.
	report.Scores = averages
	grades := make(map[string]string, len(averages))
	for axis, score := range averages {
		grades[axis] = gradeFor(score)
	}

	final, err := json.Marshal(struct {
		ClosingMessage   string            `json:"closing_message"`
		Scores           map[string]int    `json:"scores"`
		Grades           map[string]string `json:"grades"`
		StrengthTags     []string          `json:"strength_tags"`
		WeaknessTags     []string          `json:"weakness_tags"`
		DetailedAnalysis []json.RawMessage `json:"detailed_analysis"`
	}{
		ClosingMessage:   report.ClosingMessage,
		Scores:           report.Scores,
		Grades:           grades,
		StrengthTags:     report.StrengthTags,
		WeaknessTags:     report.WeaknessTags,
		DetailedAnalysis: report.DetailedAnalysis,
	})
	if err != nil {
		return "", nil, registry.Stats{}, err
	}

	now := e.now()
	var avgResponse float64
	if len(state.Answers) > 0 {
		for _, a := range state.Answers {
			avgResponse += a.ResponseTimeS
		}
		avgResponse /= float64(len(state.Answers))
	}
	stats := registry.Stats{
		EndedAt:         now,
		TotalQuestions:  len(state.Answers),
		TotalDurationS:  now.Sub(state.StartedAt).Seconds(),
		AvgResponseTime: avgResponse,
	}
	return report.ClosingMessage, final, stats, nil
}

// bankDifficulty maps session difficulty to the stored question difficulty
// filter. Normal draws from both pools.
func bankDifficulty(difficulty string) string {
	switch difficulty {
	case DifficultyEasy:
		return "BASIC"
	case DifficultyHard:
		return "DEEP"
	default:
		return ""
	}
}

func newThreadID(recordID uuid.UUID) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("interview_%s_%s", recordID, suffix)
}
