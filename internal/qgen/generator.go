package qgen

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/highlog/orchestrator/internal/config"
	"github.com/highlog/orchestrator/internal/db"
	"github.com/highlog/orchestrator/internal/metrics"
	"github.com/highlog/orchestrator/internal/modelgw"
	"github.com/highlog/orchestrator/internal/streaming"
)

// ErrRecordNotReady is returned when question generation is requested before
// ingest has produced chunks.
var ErrRecordNotReady = errors.New("record is not ready for question generation")

const questionPrompt = `당신은 대입 학생부종합전형 면접관입니다.
%s아래는 지원자 학교생활기록부의 "%s" 영역 내용입니다.

%s

이 내용을 근거로 면접 질문을 최대 %d개 생성하세요.
- difficulty는 BASIC(사실 확인) 또는 DEEP(심화 탐구) 중 하나입니다.
- 기본과 심화를 섞어서 출제하세요.
- 각 질문에 모범 답안(model_answer)과 출제 의도(purpose)를 함께 작성하세요.
- 기록에 없는 내용을 추측해서 묻지 마세요.
- 지망 대학/학과가 주어졌다면 그 맥락에 맞는 질문을 우선하세요.`

// Params describes the admission target one generation run is aimed at. All
// fields are optional; empty fields are left out of the prompt.
type Params struct {
	TargetSchool  string `json:"target_school"`
	TargetMajor   string `json:"target_major"`
	InterviewType string `json:"interview_type"`
	Title         string `json:"title"`
}

// promptHeader renders the target lines prefixed to every category prompt.
func (p Params) promptHeader() string {
	var b strings.Builder
	if p.TargetSchool != "" {
		fmt.Fprintf(&b, "지망 대학: %s\n", p.TargetSchool)
	}
	if p.TargetMajor != "" {
		fmt.Fprintf(&b, "지망 학과: %s\n", p.TargetMajor)
	}
	if p.InterviewType != "" {
		fmt.Fprintf(&b, "면접 유형: %s\n", p.InterviewType)
	}
	return b.String()
}

type generativeClient interface {
	Generate(ctx context.Context, prompt string, schema modelgw.Schema, out interface{}) error
}

type chunkReader interface {
	GetByCategory(ctx context.Context, recordID uuid.UUID, category string) ([]db.Chunk, error)
}

type questionStore interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*db.Record, error)
	InsertQuestionSet(ctx context.Context, set *db.QuestionSet, questions []db.Question) error
}

// Generator produces interview questions per category from a record's
// ingested chunks.
type Generator struct {
	gateway generativeClient
	chunks  chunkReader
	store   questionStore
	streams *streaming.Manager
	cfg     config.QGenConfig
	logger  *zap.Logger
}

func NewGenerator(
	gateway generativeClient,
	chunks chunkReader,
	store questionStore,
	streams *streaming.Manager,
	cfg config.QGenConfig,
	logger *zap.Logger,
) *Generator {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.QuestionsPerCategory <= 0 || cfg.QuestionsPerCategory > 5 {
		cfg.QuestionsPerCategory = 5
	}
	return &Generator{
		gateway: gateway,
		chunks:  chunks,
		store:   store,
		streams: streams,
		cfg:     cfg,
		logger:  logger,
	}
}

type generatedQuestion struct {
	Body        string `json:"body"`
	Difficulty  string `json:"difficulty"`
	ModelAnswer string `json:"model_answer"`
	Purpose     string `json:"purpose"`
}

type questionBatch struct {
	Questions []generatedQuestion `json:"questions"`
}

// Run generates questions for every category that has chunks and stores them
// as one set, publishing progress to the record's stream. The stream id is
// the record id prefixed with "qgen:" so generation and ingest streams do
// not collide.
func (g *Generator) Run(ctx context.Context, recordID uuid.UUID, params Params) {
	pub := g.streams.NewPublisher(StreamID(recordID))
	metrics.PipelinesStarted.WithLabelValues("qgen").Inc()

	setID, err := g.run(ctx, recordID, params, pub)
	if err != nil {
		g.logger.Error("Question generation failed",
			zap.String("record_id", recordID.String()),
			zap.Error(err),
		)
		pub.Error(err.Error())
		metrics.RecordPipelineCompletion("qgen", "error")
		return
	}
	pub.Complete(map[string]interface{}{
		"record_id":       recordID.String(),
		"question_set_id": setID.String(),
	})
	metrics.RecordPipelineCompletion("qgen", "success")
}

// Precheck verifies the record exists and is READY. Handlers call this
// before starting the stream so precondition failures map to status codes.
func (g *Generator) Precheck(ctx context.Context, recordID uuid.UUID) error {
	rec, err := g.store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Status != db.RecordStatusReady {
		return fmt.Errorf("%w: status %s", ErrRecordNotReady, rec.Status)
	}
	return nil
}

func (g *Generator) run(ctx context.Context, recordID uuid.UUID, params Params, pub *streaming.Publisher) (uuid.UUID, error) {
	start := time.Now()
	if err := g.Precheck(ctx, recordID); err != nil {
		return uuid.Nil, err
	}
	pub.Progress(5)

	// Collect the categories that actually have content.
	type categoryChunks struct {
		category string
		texts    []string
	}
	var withContent []categoryChunks
	for _, cat := range modelgw.Categories {
		chunks, err := g.chunks.GetByCategory(ctx, recordID, cat)
		if err != nil {
			return uuid.Nil, err
		}
		if len(chunks) == 0 {
			continue
		}
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.ChunkText
		}
		withContent = append(withContent, categoryChunks{category: cat, texts: texts})
	}
	if len(withContent) == 0 {
		return uuid.Nil, fmt.Errorf("record %s has no chunks", recordID)
	}
	pub.Progress(10)

	// Fan out one generation per category, bounded by the configured
	// parallelism. Progress advances with completed categories.
	var (
		mu        sync.Mutex
		questions []db.Question
		done      int
	)
	g2, gctx := errgroup.WithContext(ctx)
	g2.SetLimit(g.cfg.Parallelism)
	for _, cc := range withContent {
		cc := cc
		g2.Go(func() error {
			prompt := fmt.Sprintf(questionPrompt, params.promptHeader(), cc.category, strings.Join(cc.texts, "\n"), g.cfg.QuestionsPerCategory)
			var batch questionBatch
			if err := g.gateway.Generate(gctx, prompt, modelgw.QuestionBatch, &batch); err != nil {
				return fmt.Errorf("generate %s questions: %w", cc.category, err)
			}
			if len(batch.Questions) > g.cfg.QuestionsPerCategory {
				batch.Questions = batch.Questions[:g.cfg.QuestionsPerCategory]
			}

			mu.Lock()
			for _, q := range batch.Questions {
				questions = append(questions, db.Question{
					RecordID:    recordID,
					Category:    cc.category,
					Body:        q.Body,
					Difficulty:  q.Difficulty,
					ModelAnswer: q.ModelAnswer,
					Purpose:     q.Purpose,
				})
			}
			done++
			pct := 10 + 80*done/len(withContent)
			mu.Unlock()
			pub.Progress(pct)
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return uuid.Nil, err
	}

	// Keep output order stable across runs regardless of goroutine timing.
	sort.SliceStable(questions, func(i, j int) bool {
		return categoryRank(questions[i].Category) < categoryRank(questions[j].Category)
	})

	set := &db.QuestionSet{
		ID:            uuid.New(),
		RecordID:      recordID,
		TargetSchool:  params.TargetSchool,
		TargetMajor:   params.TargetMajor,
		InterviewType: params.InterviewType,
		Title:         params.Title,
		Status:        "READY",
	}
	if err := g.store.InsertQuestionSet(ctx, set, questions); err != nil {
		return uuid.Nil, err
	}
	pub.Progress(95)

	g.logger.Info("Question set generated",
		zap.String("record_id", recordID.String()),
		zap.String("set_id", set.ID.String()),
		zap.Int("categories", len(withContent)),
		zap.Int("questions", len(questions)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return set.ID, nil
}

// StreamID is the progress stream identifier for a record's generation run.
func StreamID(recordID uuid.UUID) string {
	return "qgen:" + recordID.String()
}

func categoryRank(cat string) int {
	for i, c := range modelgw.Categories {
		if c == cat {
			return i
		}
	}
	return len(modelgw.Categories)
}
