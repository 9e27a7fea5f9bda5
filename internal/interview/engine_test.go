package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/checkpoint"
	"github.com/highlog/orchestrator/internal/db"
	"github.com/highlog/orchestrator/internal/modelgw"
	"github.com/highlog/orchestrator/internal/registry"
	"github.com/highlog/orchestrator/internal/vectorstore"
)

type fakeGW struct {
	mu         sync.Mutex
	score      int
	transcript string
	evalDelay  time.Duration
}

func (f *fakeGW) Generate(_ context.Context, _ string, schema modelgw.Schema, out interface{}) error {
	f.mu.Lock()
	score := f.score
	delay := f.evalDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	var payload string
	switch schema.Name {
	case "answer_evaluation":
		payload = fmt.Sprintf(`{"score":%d,"feedback":"피드백","strength_tags":["논리"],"weakness_tags":[]}`, score)
	case "next_question":
		payload = `{"question":"다음 질문입니다."}`
	case "wrap_up_report":
		payload = `{"closing_message":"수고하셨습니다.","scores":{"전공적합성":1,"인성":1,"발전가능성":1,"의사소통능력":1,"총점":1},"strength_tags":["성실"],"weakness_tags":["구체성"],"detailed_analysis":[{"question":"q","evaluation":"e"}]}`
	default:
		payload = `{}`
	}
	return json.Unmarshal([]byte(payload), out)
}

func (f *fakeGW) Transcribe(context.Context, []byte, string) (string, error) {
	return f.transcript, nil
}

type fakeRetriever struct {
	mu       sync.Mutex
	searches int
}

func (f *fakeRetriever) Search(context.Context, uuid.UUID, string, []float64, int) ([]vectorstore.ScoredChunk, error) {
	f.mu.Lock()
	f.searches++
	f.mu.Unlock()
	return []vectorstore.ScoredChunk{{Chunk: db.Chunk{ChunkText: "관련 기록"}, Score: 0.9}}, nil
}

func (f *fakeRetriever) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

type fakeEmbedSvc struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedSvc) GenerateEmbedding(context.Context, string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return []float32{1, 0}, nil
}

type memCheckpoints struct {
	mu               sync.Mutex
	states           map[string][][]byte
	commitsUntilFail int
	failErr          error
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{states: map[string][][]byte{}}
}

// failAfter makes the n+1th subsequent Commit fail with err.
func (m *memCheckpoints) failAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitsUntilFail = n
	m.failErr = err
}

func (m *memCheckpoints) Commit(_ context.Context, threadID string, state interface{}) (int, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		if m.commitsUntilFail == 0 {
			return 0, m.failErr
		}
		m.commitsUntilFail--
	}
	m.states[threadID] = append(m.states[threadID], raw)
	return len(m.states[threadID]), nil
}

func (m *memCheckpoints) Latest(_ context.Context, threadID string, state interface{}) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.states[threadID]
	if len(history) == 0 {
		return 0, checkpoint.ErrNotFound
	}
	return len(history), json.Unmarshal(history[len(history)-1], state)
}

type fakeSessions struct {
	mu        sync.Mutex
	created   []*db.Session
	completed map[string]json.RawMessage
	stats     map[string]registry.Stats
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{completed: map[string]json.RawMessage{}, stats: map[string]registry.Stats{}}
}

func (f *fakeSessions) Create(_ context.Context, sess *db.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, sess)
	return nil
}

func (f *fakeSessions) Complete(_ context.Context, threadID string, stats registry.Stats, report json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[threadID] = report
	f.stats[threadID] = stats
	return nil
}

type fakeRecordReader struct{ rec *db.Record }

func (f *fakeRecordReader) GetRecord(context.Context, uuid.UUID) (*db.Record, error) {
	if f.rec == nil {
		return nil, db.ErrNotFound
	}
	return f.rec, nil
}

type fakeBank struct{ questions []db.Question }

func (f *fakeBank) ListQuestions(context.Context, uuid.UUID, string, string) ([]db.Question, error) {
	return f.questions, nil
}

type fakeTTS struct{ audio []byte }

func (f *fakeTTS) Synthesize(context.Context, string) ([]byte, error) { return f.audio, nil }

type fakeAudioStore struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeAudioStore) Put(_ context.Context, key string, _ []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

type testEngine struct {
	engine      *Engine
	gw          *fakeGW
	sessions    *fakeSessions
	checkpoints *memCheckpoints
	retriever   *fakeRetriever
	embedder    *fakeEmbedSvc
	audio       *fakeAudioStore
	recordID    uuid.UUID
	clock       *time.Time
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	recID := uuid.New()
	gw := &fakeGW{score: 85, transcript: "전사된 답변"}
	sessions := newFakeSessions()
	cps := newMemCheckpoints()
	ret := &fakeRetriever{}
	emb := &fakeEmbedSvc{}
	audio := &fakeAudioStore{}

	now := time.Now()
	clock := &now

	e := NewEngine(
		gw,
		ret,
		emb,
		cps,
		sessions,
		&fakeRecordReader{rec: &db.Record{ID: recID, Status: db.RecordStatusReady}},
		&fakeBank{},
		&fakeTTS{audio: []byte("mp3")},
		audio,
		tuning,
		3,
		zap.NewNop(),
	)
	e.now = func() time.Time { return *clock }
	return &testEngine{
		engine:      e,
		gw:          gw,
		sessions:    sessions,
		checkpoints: cps,
		retriever:   ret,
		embedder:    emb,
		audio:       audio,
		recordID:    recID,
		clock:       clock,
	}
}

func TestInitialize(t *testing.T) {
	te := newTestEngine(t)

	res, err := te.engine.Initialize(context.Background(), te.recordID, "user-1", DifficultyNormal, "", 0)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^interview_`+te.recordID.String()+`_[0-9a-f]{8}$`), res.ThreadID)
	assert.Equal(t, FirstQuestion, res.Question)
	assert.Equal(t, 1, res.Turn)
	assert.Equal(t, 600.0, res.RemainingTimeS)
	require.Len(t, te.sessions.created, 1)
	assert.Equal(t, DifficultyNormal, te.sessions.created[0].Difficulty)
}

func TestInitializeWithFirstAnswerRunsTurn(t *testing.T) {
	te := newTestEngine(t)

	res, err := te.engine.Initialize(context.Background(), te.recordID, "user-1", DifficultyNormal, "안녕하세요, 저를 소개하겠습니다.", 15)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Turn)
	assert.NotEmpty(t, res.Question)
	assert.NotEqual(t, FirstQuestion, res.Question)
	require.NotNil(t, res.Evaluation)
	assert.Equal(t, "안녕하세요, 저를 소개하겠습니다.", res.Evaluation.Answer)
}

func TestInitializeRejectsUnreadyRecord(t *testing.T) {
	te := newTestEngine(t)
	rec := &db.Record{ID: te.recordID, Status: db.RecordStatusProcessing}
	te.engine.records = &fakeRecordReader{rec: rec}

	_, err := te.engine.Initialize(context.Background(), te.recordID, "u", "", "", 0)
	assert.ErrorIs(t, err, ErrRecordNotReady)
}

func TestInitializeRejectsUnknownDifficulty(t *testing.T) {
	te := newTestEngine(t)
	_, err := te.engine.Initialize(context.Background(), te.recordID, "u", "Extreme", "", 0)
	require.Error(t, err)
}

func TestChatTurnStrongAnswerMovesToNewTopic(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	te.gw.score = 85
	turn, err := te.engine.ChatTurn(context.Background(), res.ThreadID, "저는 이런 학생입니다.", 12)
	require.NoError(t, err)

	assert.Equal(t, ActionNewTopic, turn.Action)
	assert.Equal(t, 2, turn.Turn)
	assert.Equal(t, 85, turn.Evaluation.Score)
	assert.NotEmpty(t, turn.Question)
}

func TestChatTurnWeakAnswerFollowsUp(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	te.gw.score = 40
	turn, err := te.engine.ChatTurn(context.Background(), res.ThreadID, "잘 모르겠습니다.", 5)
	require.NoError(t, err)
	assert.Equal(t, ActionFollowUp, turn.Action)

	// follow-up budget exhausts after MaxFollowUps weak answers
	var state State
	_, err = te.checkpoints.Latest(context.Background(), res.ThreadID, &state)
	require.NoError(t, err)
	assert.Equal(t, 1, state.FollowUpCount)

	for i := 0; i < 2; i++ {
		turn, err = te.engine.ChatTurn(context.Background(), res.ThreadID, "여전히 모르겠습니다.", 5)
		require.NoError(t, err)
		assert.Equal(t, ActionFollowUp, turn.Action)
	}
	turn, err = te.engine.ChatTurn(context.Background(), res.ThreadID, "모르겠습니다.", 5)
	require.NoError(t, err)
	assert.Equal(t, ActionNewTopic, turn.Action, "fourth weak answer moves on")
}

func TestChatTurnWrapsUpWhenBudgetRunsLow(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	// one long answer leaves 15s of the 600s budget, below the 30s threshold
	*te.clock = te.clock.Add(585 * time.Second)
	turn, err := te.engine.ChatTurn(context.Background(), res.ThreadID, "마지막 답변입니다.", 585)
	require.NoError(t, err)

	assert.Equal(t, ActionWrapUp, turn.Action)
	assert.True(t, turn.IsFinished)
	assert.Equal(t, 15.0, turn.RemainingTimeS)
	assert.Equal(t, "수고하셨습니다.", turn.Question)
	require.NotNil(t, turn.Report)

	var report struct {
		Scores map[string]int    `json:"scores"`
		Grades map[string]string `json:"grades"`
	}
	require.NoError(t, json.Unmarshal(turn.Report, &report))
	// accumulated scores win over the model's numbers
	assert.Equal(t, 85, report.Scores[AxisCommunication])
	assert.Equal(t, "좋음", report.Grades[AxisCommunication])

	stats := te.sessions.stats[res.ThreadID]
	assert.Equal(t, 1, stats.TotalQuestions)
	assert.InDelta(t, 585.0, stats.TotalDurationS, 0.01)
	assert.InDelta(t, 585.0, stats.AvgResponseTime, 0.01)
}

func TestRoutingIgnoresWallClock(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	// a long pause between turns does not consume the budget
	*te.clock = te.clock.Add(580 * time.Second)
	turn, err := te.engine.ChatTurn(context.Background(), res.ThreadID, "짧은 답변", 1)
	require.NoError(t, err)

	assert.Equal(t, ActionNewTopic, turn.Action)
	assert.False(t, turn.IsFinished)
	assert.Equal(t, 599.0, turn.RemainingTimeS)

	var state State
	_, err = te.checkpoints.Latest(context.Background(), res.ThreadID, &state)
	require.NoError(t, err)
	assert.Equal(t, 599.0, state.RemainingTimeS)
}

func TestChatTurnAfterCompletion(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	_, err = te.engine.ChatTurn(context.Background(), res.ThreadID, "답변", 590)
	require.NoError(t, err)

	_, err = te.engine.ChatTurn(context.Background(), res.ThreadID, "또 답변", 10)
	assert.ErrorIs(t, err, ErrSessionCompleted)
}

func TestChatTurnUnknownThread(t *testing.T) {
	te := newTestEngine(t)
	_, err := te.engine.ChatTurn(context.Background(), "interview_x_deadbeef", "답변", 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestChatTurnRejectsConcurrentTurns(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	te.gw.evalDelay = 200 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := te.engine.ChatTurn(context.Background(), res.ThreadID, "동시 답변", 1)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = te.engine.ChatTurn(context.Background(), res.ThreadID, "겹치는 답변", 1)
	assert.ErrorIs(t, err, ErrTurnInFlight)
	assert.NoError(t, <-done)
}

func TestEachTurnGrowsAnswerHistoryByOne(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := te.engine.ChatTurn(context.Background(), res.ThreadID, "답변입니다.", 10)
		require.NoError(t, err)

		var state State
		id, err := te.checkpoints.Latest(context.Background(), res.ThreadID, &state)
		require.NoError(t, err)
		// a new-topic turn commits after the analyzer, retrieval, and
		// generator nodes
		assert.Equal(t, 1+3*i, id)
		assert.Len(t, state.Answers, i)
	}
}

func TestEveryNodeCommitsACheckpoint(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	_, err = te.engine.ChatTurn(context.Background(), res.ThreadID, "답변입니다.", 10)
	require.NoError(t, err)

	history := te.checkpoints.states[res.ThreadID]
	require.Len(t, history, 4)

	// analyzer snapshot: answer recorded, topic not yet advanced
	var analyzed State
	require.NoError(t, json.Unmarshal(history[1], &analyzed))
	assert.Len(t, analyzed.Answers, 1)
	assert.Equal(t, IntroTopic, analyzed.CurrentTopic)

	// retrieval snapshot: new topic and context, question not yet written
	var retrieved State
	require.NoError(t, json.Unmarshal(history[2], &retrieved))
	assert.Equal(t, SubTopics[0], retrieved.CurrentTopic)
	assert.Equal(t, []string{"관련 기록"}, retrieved.CurrentContext)
	assert.Equal(t, FirstQuestion, retrieved.CurrentQuestion)

	// generator snapshot: next question written
	var generated State
	require.NoError(t, json.Unmarshal(history[3], &generated))
	assert.Equal(t, "다음 질문입니다.", generated.CurrentQuestion)
}

func TestFollowUpReusesRetrievedContext(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)
	require.Equal(t, 1, te.retriever.searchCount(), "initialize seeds the context")

	te.gw.score = 40
	turn, err := te.engine.ChatTurn(context.Background(), res.ThreadID, "잘 모르겠습니다.", 5)
	require.NoError(t, err)
	require.Equal(t, ActionFollowUp, turn.Action)
	assert.Equal(t, 1, te.retriever.searchCount(), "follow-up reuses the stored context")

	te.gw.score = 85
	turn, err = te.engine.ChatTurn(context.Background(), res.ThreadID, "자세한 답변입니다.", 5)
	require.NoError(t, err)
	require.Equal(t, ActionNewTopic, turn.Action)
	assert.Equal(t, 2, te.retriever.searchCount(), "a new topic retrieves fresh context")
}

func TestAnswerRecordsCarryContextAndGrade(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	te.gw.score = 85
	_, err = te.engine.ChatTurn(context.Background(), res.ThreadID, "첫 답변", 10)
	require.NoError(t, err)
	te.gw.score = 40
	_, err = te.engine.ChatTurn(context.Background(), res.ThreadID, "둘째 답변", 10)
	require.NoError(t, err)

	var state State
	_, err = te.checkpoints.Latest(context.Background(), res.ThreadID, &state)
	require.NoError(t, err)
	require.Len(t, state.Answers, 2)
	assert.Equal(t, []string{"관련 기록"}, state.Answers[0].ContextUsed)
	assert.Equal(t, "좋음", state.Answers[0].Grade)
	assert.Equal(t, "개선 필요", state.Answers[1].Grade)
}

func TestSessionNotCompletedWhenWrapUpCheckpointFails(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	// the analyzer commit succeeds, the wrap-up commit fails
	te.checkpoints.failAfter(1, errors.New("checkpoint store down"))
	_, err = te.engine.ChatTurn(context.Background(), res.ThreadID, "마지막 답변", 590)
	require.Error(t, err)

	assert.Empty(t, te.sessions.completed, "session must not flip to COMPLETED")
}

func TestChatTurnUsesBankedQuestionFirst(t *testing.T) {
	te := newTestEngine(t)
	te.engine.bank = &fakeBank{questions: []db.Question{
		{Body: "출결이 우수한 비결은 무엇인가요?", Difficulty: "BASIC"},
	}}

	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	turn, err := te.engine.ChatTurn(context.Background(), res.ThreadID, "답변", 10)
	require.NoError(t, err)
	assert.Equal(t, "출결이 우수한 비결은 무엇인가요?", turn.Question)
}

func TestChatTurnAudioStoresSynthesizedQuestion(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	turn, err := te.engine.ChatTurnAudio(context.Background(), res.ThreadID, []byte("webm"), "audio/webm", 8)
	require.NoError(t, err)

	assert.Equal(t, "전사된 답변", turn.Evaluation.Answer)
	require.Len(t, te.audio.keys, 1)
	assert.Equal(t, fmt.Sprintf("tts/%s/2.mp3", res.ThreadID), te.audio.keys[0])
	assert.Equal(t, te.audio.keys[0], turn.AudioKey)
}

func TestRemainingTimeClampsAtZero(t *testing.T) {
	te := newTestEngine(t)
	res, err := te.engine.Initialize(context.Background(), te.recordID, "u", DifficultyNormal, "", 0)
	require.NoError(t, err)

	turn, err := te.engine.ChatTurn(context.Background(), res.ThreadID, "답변", 700)
	require.NoError(t, err)
	assert.Equal(t, 0.0, turn.RemainingTimeS)
	assert.Equal(t, ActionWrapUp, turn.Action)
}
