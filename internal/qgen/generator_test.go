package qgen

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/config"
	"github.com/highlog/orchestrator/internal/db"
	"github.com/highlog/orchestrator/internal/modelgw"
	"github.com/highlog/orchestrator/internal/streaming"
)

type fakeGateway struct {
	mu       sync.Mutex
	calls    int
	perCall  int
	err      error
	inflight int
	maxSeen  int
	prompts  []string
}

func (f *fakeGateway) Generate(_ context.Context, prompt string, _ modelgw.Schema, out interface{}) error {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxSeen {
		f.maxSeen = f.inflight
	}
	f.calls++
	f.prompts = append(f.prompts, prompt)
	err := f.err
	n := f.perCall
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()
	if err != nil {
		return err
	}

	var batch questionBatch
	for i := 0; i < n; i++ {
		diff := "BASIC"
		if i%2 == 1 {
			diff = "DEEP"
		}
		batch.Questions = append(batch.Questions, generatedQuestion{Body: "질문", Difficulty: diff})
	}
	raw, _ := json.Marshal(batch)
	return json.Unmarshal(raw, out)
}

type fakeChunkReader struct {
	byCategory map[string][]db.Chunk
}

func (f *fakeChunkReader) GetByCategory(_ context.Context, _ uuid.UUID, category string) ([]db.Chunk, error) {
	return f.byCategory[category], nil
}

type fakeQuestionStore struct {
	mu     sync.Mutex
	rec    *db.Record
	set    *db.QuestionSet
	stored []db.Question
	insErr error
}

func (f *fakeQuestionStore) GetRecord(context.Context, uuid.UUID) (*db.Record, error) {
	if f.rec == nil {
		return nil, db.ErrNotFound
	}
	return f.rec, nil
}

func (f *fakeQuestionStore) InsertQuestionSet(_ context.Context, set *db.QuestionSet, questions []db.Question) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insErr != nil {
		return f.insErr
	}
	f.set = set
	f.stored = questions
	return nil
}

func newTestGenerator(categories []string) (*Generator, *fakeGateway, *fakeQuestionStore, *streaming.Manager, uuid.UUID) {
	recID := uuid.New()
	byCategory := map[string][]db.Chunk{}
	for _, cat := range categories {
		byCategory[cat] = []db.Chunk{{RecordID: recID, Category: cat, ChunkText: cat + " 내용"}}
	}
	gw := &fakeGateway{perCall: 3}
	store := &fakeQuestionStore{rec: &db.Record{ID: recID, Status: db.RecordStatusReady}}
	streams := streaming.NewManager(64)
	gen := NewGenerator(gw, &fakeChunkReader{byCategory: byCategory}, store, streams,
		config.QGenConfig{Parallelism: 2, QuestionsPerCategory: 5}, zap.NewNop())
	return gen, gw, store, streams, recID
}

func TestPrecheckRejectsUnreadyRecord(t *testing.T) {
	gen, _, store, _, recID := newTestGenerator([]string{"성적"})
	store.rec.Status = db.RecordStatusProcessing

	err := gen.Precheck(context.Background(), recID)
	assert.ErrorIs(t, err, ErrRecordNotReady)
}

func TestRunGeneratesPerCategory(t *testing.T) {
	gen, gw, store, streams, recID := newTestGenerator([]string{"성적", "세특", "독서"})

	ch := streams.Subscribe(StreamID(recID), 128)
	defer streams.Unsubscribe(StreamID(recID), ch)

	gen.Run(context.Background(), recID, Params{})

	var last streaming.Event
	for ev := range ch {
		last = ev
		if ev.Type == streaming.TypeComplete || ev.Type == streaming.TypeError {
			break
		}
	}
	require.Equal(t, streaming.TypeComplete, last.Type)
	assert.Equal(t, store.set.ID.String(), last.Payload["question_set_id"])

	assert.Equal(t, 3, gw.calls)
	assert.LessOrEqual(t, gw.maxSeen, 2, "fan-out bounded by parallelism")
	assert.Len(t, store.stored, 9)

	// stable category order regardless of completion order
	assert.Equal(t, "성적", store.stored[0].Category)
	assert.Equal(t, "세특", store.stored[3].Category)
	assert.Equal(t, "독서", store.stored[6].Category)
}

func TestRunGroundsPromptOnAdmissionTarget(t *testing.T) {
	gen, gw, store, _, recID := newTestGenerator([]string{"성적"})
	params := Params{
		TargetSchool:  "한국대",
		TargetMajor:   "컴퓨터공학과",
		InterviewType: "학생부종합",
		Title:         "1차 모의 면접",
	}

	gen.Run(context.Background(), recID, params)

	require.Len(t, gw.prompts, 1)
	assert.Contains(t, gw.prompts[0], "지망 대학: 한국대")
	assert.Contains(t, gw.prompts[0], "지망 학과: 컴퓨터공학과")
	assert.Contains(t, gw.prompts[0], "면접 유형: 학생부종합")

	require.NotNil(t, store.set)
	assert.Equal(t, "한국대", store.set.TargetSchool)
	assert.Equal(t, "컴퓨터공학과", store.set.TargetMajor)
	assert.Equal(t, "학생부종합", store.set.InterviewType)
	assert.Equal(t, "1차 모의 면접", store.set.Title)
}

func TestEmptyParamsLeaveTargetOutOfPrompt(t *testing.T) {
	gen, gw, _, _, recID := newTestGenerator([]string{"성적"})

	gen.Run(context.Background(), recID, Params{})

	require.Len(t, gw.prompts, 1)
	assert.NotContains(t, gw.prompts[0], "지망 대학")
	assert.NotContains(t, gw.prompts[0], "면접 유형")
}

func TestRunCapsQuestionsPerCategory(t *testing.T) {
	gen, gw, store, _, recID := newTestGenerator([]string{"진로"})
	gw.perCall = 7

	gen.Run(context.Background(), recID, Params{})
	assert.Len(t, store.stored, 5)
}

func TestRunPublishesErrorOnGatewayFailure(t *testing.T) {
	gen, gw, store, streams, recID := newTestGenerator([]string{"성적"})
	gw.err = errors.New("model down")

	ch := streams.Subscribe(StreamID(recID), 128)
	defer streams.Unsubscribe(StreamID(recID), ch)

	gen.Run(context.Background(), recID, Params{})

	var last streaming.Event
	for ev := range ch {
		last = ev
		if ev.Type == streaming.TypeError {
			break
		}
	}
	assert.Equal(t, streaming.TypeError, last.Type)
	assert.Equal(t, 0, last.Progress)
	assert.Nil(t, store.set, "no partial set stored")
}

func TestRunFailsWithoutChunks(t *testing.T) {
	gen, _, store, streams, recID := newTestGenerator(nil)

	ch := streams.Subscribe(StreamID(recID), 128)
	defer streams.Unsubscribe(StreamID(recID), ch)

	gen.Run(context.Background(), recID, Params{})

	var last streaming.Event
	for ev := range ch {
		last = ev
		if ev.Type == streaming.TypeError {
			break
		}
	}
	assert.Equal(t, streaming.TypeError, last.Type)
	assert.Nil(t, store.set)
}
