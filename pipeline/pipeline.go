package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/voltmark/marketflow/config"
	"github.com/voltmark/marketflow/internal/metrics"
	"github.com/voltmark/marketflow/types"
)

// genericFailureNotice is the only failure text shown to users; specifics
// go to logs and metrics.
const genericFailureNotice = "Something went wrong while processing your request. Please try again."

// historyLimitForJudge bounds how many prior turns the classifier sees.
const historyLimitForJudge = 6

// Pipeline wires the orchestration core: it turns one query into one
// ordered event stream. Each Process call runs in its own goroutine with
// its own RequestContext; there is no global serialization of query
// processing.
type Pipeline struct {
	invoker     AgentInvoker
	classifier  *Classifier
	router      *Router
	coordinator *Coordinator
	cfg         config.PipelineConfig
	metrics     *metrics.Collector
	tracer      trace.Tracer
	logger      *zap.Logger
}

// New creates a Pipeline.
func New(invoker AgentInvoker, classifier *Classifier, router *Router, coordinator *Coordinator, cfg config.PipelineConfig, collector *metrics.Collector, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	return &Pipeline{
		invoker:     invoker,
		classifier:  classifier,
		router:      router,
		coordinator: coordinator,
		cfg:         cfg,
		metrics:     collector,
		tracer:      otel.Tracer("marketflow/pipeline"),
		logger:      logger.With(zap.String("component", "pipeline")),
	}
}

// Coordinator returns the approval coordinator for the wire layer.
func (p *Pipeline) Coordinator() *Coordinator { return p.coordinator }

// Process handles one query and returns its ordered event stream. The
// channel delivers text_chunk events, at most one approval_request, and a
// terminal done — or a terminal error replacing any remainder. Cancelling
// ctx stops processing; the per-query request context is released on every
// exit path.
func (p *Pipeline) Process(ctx context.Context, conversationID, agentType, query string) (<-chan types.Event, error) {
	if conversationID == "" || query == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "conversation id and query are required")
	}
	if agentType == "" {
		agentType = p.cfg.DefaultAgent
	}

	events := make(chan types.Event, p.cfg.EventBuffer)
	go p.run(ctx, conversationID, agentType, query, events)
	return events, nil
}

func (p *Pipeline) run(ctx context.Context, conversationID, agentType, query string, events chan<- types.Event) {
	defer close(events)

	start := time.Now()
	rc := newRequestContext(conversationID, query)
	defer rc.Release()

	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("agent.type", agentType),
		),
	)
	defer span.End()

	log := p.logger.With(
		zap.String("request_id", rc.ID),
		zap.String("conversation_id", conversationID),
		zap.String("agent_type", agentType),
	)

	emit := func(ev types.Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fail := func(stage string, err error) {
		code := string(types.GetErrorCode(err))
		if code == "" {
			code = string(types.ErrInternalError)
		}
		log.Error("pipeline stage failed", zap.String("stage", stage), zap.Error(err))
		p.metrics.RecordError(code)
		span.RecordError(err)
		// A mid-stream failure still closes the sequence with a terminal
		// error event so the caller can tell "aborted" from "finished".
		_ = emit(types.NewErrorEvent(genericFailureNotice))
	}

	p.metrics.RecordQuery(agentType)

	// Draft answer. The turn is recorded under (conversation, agentType)
	// only; other agents' sessions stay untouched.
	answer, err := p.invoker.Invoke(ctx, agentType, conversationID, rc.Query)
	if err != nil {
		fail("draft", err)
		return
	}
	rc.SetDraft(answer)

	// Classification context: the scoped history as it stood before this
	// turn is what the judge sees, minus the turn just appended.
	history, err := p.invoker.History(ctx, agentType, conversationID, historyLimitForJudge)
	if err != nil {
		fail("history", err)
		return
	}
	if n := len(history); n > 0 {
		history = history[:n-1]
	}

	classification := p.classify(ctx, rc, history)
	p.metrics.RecordClassification(string(classification))

	if err := p.route(ctx, rc, classification, emit); err != nil {
		fail("route", err)
		return
	}

	if err := emit(types.NewDone()); err != nil {
		return
	}

	p.metrics.ObserveStreamDuration(agentType, time.Since(start))
	log.Info("query processed",
		zap.String("classification", string(classification)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (p *Pipeline) classify(ctx context.Context, rc *RequestContext, history []types.Turn) types.Classification {
	ctx, span := p.tracer.Start(ctx, "pipeline.classify")
	defer span.End()

	classification := p.classifier.Classify(ctx, rc.Query, rc.Draft(), history)
	span.SetAttributes(attribute.String("classification", string(classification)))
	return classification
}

func (p *Pipeline) route(ctx context.Context, rc *RequestContext, classification types.Classification, emit emitFunc) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.route",
		trace.WithAttributes(attribute.String("classification", string(classification))),
	)
	defer span.End()

	if !classification.Valid() {
		// The classifier fails closed, so an invalid label here is a bug.
		return types.NewError(types.ErrClassificationFailure,
			fmt.Sprintf("invalid classification %q reached the router", classification))
	}

	return p.router.Route(ctx, rc, classification, emit)
}
