package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/highlog/orchestrator/internal/config"
	"github.com/highlog/orchestrator/internal/db"
	"github.com/highlog/orchestrator/internal/metrics"
	"github.com/highlog/orchestrator/internal/modelgw"
	"github.com/highlog/orchestrator/internal/pdfproc"
	"github.com/highlog/orchestrator/internal/streaming"
	"github.com/highlog/orchestrator/internal/vectorstore"
)

// Progress milestones. OCR advances from the ocrStart band to ocrEnd in
// proportion to completed batches.
const (
	pctFetched    = 10
	pctRasterized = 20
	ocrStart      = 30
	ocrEnd        = 70
	pctEmbedded   = 85
	pctStored     = 95
)

// ocrPrompt is the per-batch extraction contract. The model transcribes
// verbatim, marks unreadable passages, elides resident registration numbers,
// and assigns each fragment to exactly one category.
const ocrPrompt = `다음 이미지들은 학교생활기록부의 연속된 페이지입니다.
모든 텍스트를 보이는 그대로 추출하고, 내용 단위로 나누어 각 조각에 카테고리를 하나씩 부여하세요.
카테고리: 성적, 세특, 창체, 행특, 출결, 독서, 수상, 진로, 기타

규칙:
- 텍스트를 요약하거나 바꾸어 쓰지 말고 그대로 옮기세요.
- 읽을 수 없는 부분은 [일부 텍스트 누락]으로 표시하세요.
- 주민등록번호 등 고유 식별 번호는 제외하세요.
- 각 조각은 정확히 하나의 카테고리에 속해야 합니다.`

type blobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type ocrClient interface {
	GenerateMedia(ctx context.Context, prompt string, media []modelgw.Media, schema modelgw.Schema, out interface{}) error
}

type embedderService interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type chunkStore interface {
	PutChunks(ctx context.Context, chunks []db.Chunk) error
	DeleteByRecord(ctx context.Context, recordID uuid.UUID) error
}

type recordStore interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*db.Record, error)
	UpdateRecordStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateRecordPageCount(ctx context.Context, id uuid.UUID, pages int) error
}

// rasterizeFunc renders a PDF to page images. Swapped in tests.
type rasterizeFunc func(pdf []byte, dpi int) ([]pdfproc.Page, error)

// Pipeline turns an uploaded record PDF into categorized, embedded chunks.
// Runs are idempotent: each run purges the record's previous chunks before
// writing.
type Pipeline struct {
	blob      blobStore
	gateway   ocrClient
	embedder  embedderService
	chunks    chunkStore
	records   recordStore
	streams   *streaming.Manager
	rasterize rasterizeFunc
	cfg       config.IngestConfig
	logger    *zap.Logger
}

func NewPipeline(
	blob blobStore,
	gateway ocrClient,
	embedder embedderService,
	chunks chunkStore,
	records recordStore,
	streams *streaming.Manager,
	cfg config.IngestConfig,
	logger *zap.Logger,
) *Pipeline {
	if cfg.BatchPages <= 0 {
		cfg.BatchPages = 3
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Pipeline{
		blob:      blob,
		gateway:   gateway,
		embedder:  embedder,
		chunks:    chunks,
		records:   records,
		streams:   streams,
		rasterize: pdfproc.Rasterize,
		cfg:       cfg,
		logger:    logger,
	}
}

// ocrChunk is one categorized fragment from a page batch.
type ocrChunk struct {
	Category  string `json:"category"`
	ChunkText string `json:"chunk_text"`
}

type ocrBatchResult struct {
	Chunks []ocrChunk `json:"chunks"`
}

// Run executes the full ingest for one record, publishing progress to the
// record's stream. The terminal event is exactly one of complete or error.
func (p *Pipeline) Run(ctx context.Context, recordID uuid.UUID) {
	start := time.Now()
	pub := p.streams.NewPublisher(recordID.String())
	metrics.PipelinesStarted.WithLabelValues("ingest").Inc()

	if err := p.run(ctx, recordID, pub, start); err != nil {
		p.logger.Error("Ingest failed",
			zap.String("record_id", recordID.String()),
			zap.Error(err),
		)
		if stErr := p.records.UpdateRecordStatus(context.Background(), recordID, db.RecordStatusFailed); stErr != nil {
			p.logger.Error("Failed to mark record FAILED", zap.Error(stErr))
		}
		pub.Error(err.Error())
		metrics.RecordPipelineCompletion("ingest", "error")
		return
	}
	metrics.RecordPipelineCompletion("ingest", "success")
}

func (p *Pipeline) run(ctx context.Context, recordID uuid.UUID, pub *streaming.Publisher, start time.Time) error {
	rec, err := p.records.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if err := p.records.UpdateRecordStatus(ctx, recordID, db.RecordStatusProcessing); err != nil {
		return err
	}

	// Fetch
	stageStart := time.Now()
	pdf, err := p.blob.Get(ctx, rec.S3Key)
	if err != nil {
		return fmt.Errorf("fetch pdf: %w", err)
	}
	metrics.PipelineStageDuration.WithLabelValues("ingest", "fetch").Observe(time.Since(stageStart).Seconds())
	pub.Progress(pctFetched)
	if err := ctx.Err(); err != nil {
		return err
	}

	// Rasterize
	stageStart = time.Now()
	pages, err := p.rasterize(pdf, p.cfg.RasterDPI)
	if err != nil {
		return fmt.Errorf("rasterize pdf: %w", err)
	}
	if err := p.records.UpdateRecordPageCount(ctx, recordID, len(pages)); err != nil {
		return err
	}
	metrics.PipelineStageDuration.WithLabelValues("ingest", "rasterize").Observe(time.Since(stageStart).Seconds())
	pub.Progress(pctRasterized)
	if err := ctx.Err(); err != nil {
		return err
	}

	// OCR page batches in order. Sequential batches keep chunk order stable
	// and progress deterministic.
	stageStart = time.Now()
	pub.Progress(ocrStart)
	batches := batchPages(pages, p.cfg.BatchPages)
	var extracted []ocrChunk
	for i, batch := range batches {
		media := make([]modelgw.Media, 0, len(batch))
		for _, pg := range batch {
			media = append(media, modelgw.Media{MIME: "image/png", Data: pg.PNG})
		}
		var result ocrBatchResult
		if err := p.gateway.GenerateMedia(ctx, ocrPrompt, media, modelgw.OCRBatch, &result); err != nil {
			return fmt.Errorf("ocr batch %d: %w", i+1, err)
		}
		for _, c := range result.Chunks {
			if strings.TrimSpace(c.ChunkText) == "" {
				continue
			}
			extracted = append(extracted, c)
		}
		pub.Progress(ocrStart + (ocrEnd-ocrStart)*(i+1)/len(batches))
	}
	if len(extracted) == 0 {
		return fmt.Errorf("no text extracted from %d pages", len(pages))
	}
	metrics.PipelineStageDuration.WithLabelValues("ingest", "ocr").Observe(time.Since(stageStart).Seconds())
	if err := ctx.Err(); err != nil {
		return err
	}

	// Embed chunks with bounded parallelism. Results land at their original
	// index so chunk order survives the fan-out.
	stageStart = time.Now()
	vectors := make([][]float32, len(extracted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallelism)
	for i := range extracted {
		i := i
		g.Go(func() error {
			vec, err := p.embedder.GenerateEmbedding(gctx, extracted[i].ChunkText)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	metrics.PipelineStageDuration.WithLabelValues("ingest", "embed").Observe(time.Since(stageStart).Seconds())
	pub.Progress(pctEmbedded)
	if err := ctx.Err(); err != nil {
		return err
	}

	// Purge previous chunks, then store. Re-running ingest for the same
	// record replaces its chunks wholesale.
	stageStart = time.Now()
	if err := p.chunks.DeleteByRecord(ctx, recordID); err != nil {
		return err
	}
	rows := make([]db.Chunk, len(extracted))
	for i, c := range extracted {
		rows[i] = db.Chunk{
			RecordID:   recordID,
			Category:   c.Category,
			ChunkIndex: i,
			ChunkText:  c.ChunkText,
			Embedding:  vectorstore.ToFloat64(vectors[i]),
		}
	}
	if err := p.chunks.PutChunks(ctx, rows); err != nil {
		return err
	}
	metrics.PipelineStageDuration.WithLabelValues("ingest", "store").Observe(time.Since(stageStart).Seconds())
	pub.Progress(pctStored)

	if err := p.records.UpdateRecordStatus(ctx, recordID, db.RecordStatusReady); err != nil {
		return err
	}

	p.logger.Info("Ingest complete",
		zap.String("record_id", recordID.String()),
		zap.Int("pages", len(pages)),
		zap.Int("chunks", len(rows)),
		zap.Duration("elapsed", time.Since(start)),
	)
	pub.Complete(map[string]interface{}{
		"record_id":   recordID.String(),
		"page_count":  len(pages),
		"chunk_count": len(rows),
	})
	return nil
}

// batchPages splits pages into consecutive groups of size n.
func batchPages(pages []pdfproc.Page, n int) [][]pdfproc.Page {
	var out [][]pdfproc.Page
	for i := 0; i < len(pages); i += n {
		end := i + n
		if end > len(pages) {
			end = len(pages)
		}
		out = append(out, pages[i:end])
	}
	return out
}
