// Package chat runs one question/answer exchange against the query agent.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ghassan-labs/askdb/internal/agent"
	"github.com/ghassan-labs/askdb/internal/datadict"
	"github.com/ghassan-labs/askdb/internal/domain"
	"github.com/ghassan-labs/askdb/internal/shared"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ghassan-labs/askdb/internal/chat"

var (
	// ErrEmptyInput is returned for blank input. Nothing is sent or recorded.
	ErrEmptyInput = errors.New("input is empty")
	// ErrAgentUnavailable is returned when the agent could not be configured.
	ErrAgentUnavailable = errors.New("query agent is not available")
	// ErrTurnInFlight is returned when the session is already waiting on the agent.
	ErrTurnInFlight = errors.New("a question is already being answered for this session")
)

// FailureReply prefixes the agent turn recorded when the agent fails.
const FailureReply = "Sorry, I couldn't answer that."

// Outcome is the result of one submitted question.
type Outcome struct {
	User     domain.Turn   `json:"user"`
	Reply    domain.Turn   `json:"reply"`
	Queries  []string      `json:"queries,omitempty"`
	Duration time.Duration `json:"-"`
	// Err is the agent failure behind a synthetic reply, nil on success.
	Err error `json:"-"`
}

// Failed reports whether the reply is a synthetic error reply.
func (o *Outcome) Failed() bool {
	return o.Err != nil
}

// Config configures a Controller.
type Config struct {
	// Dictionary is prepended to every question. Defaults to datadict.Default.
	Dictionary string
	// Timeout bounds one agent invocation.
	Timeout time.Duration
	// UnavailableErr, when set, disables the agent and is reported instead.
	UnavailableErr error
}

// Controller assembles prompts, invokes the agent and records exchanges.
//
// When the agent fails, the controller still records the question together
// with a synthetic reply marked Failed, so every user turn is answered.
type Controller struct {
	agent      agent.Agent
	dictionary string
	timeout    time.Duration
	unavailErr error
	log        ConversationLogger
	logger     *slog.Logger

	tracer    trace.Tracer
	exchanges metric.Int64Counter
	failures  metric.Int64Counter
	latency   metric.Float64Histogram
}

// NewController creates a controller. a may be nil only when
// cfg.UnavailableErr explains why.
func NewController(a agent.Agent, cfg Config, log ConversationLogger, logger *slog.Logger) (*Controller, error) {
	if a == nil && cfg.UnavailableErr == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.Dictionary == "" {
		cfg.Dictionary = datadict.Default
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log == nil {
		log = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter(instrumentationName)
	exchanges, err := meter.Int64Counter("askdb.chat.exchanges",
		metric.WithDescription("Completed question/answer exchanges"))
	if err != nil {
		return nil, fmt.Errorf("create exchanges counter: %w", err)
	}
	failures, err := meter.Int64Counter("askdb.chat.agent_failures",
		metric.WithDescription("Agent invocations that ended in a synthetic reply"))
	if err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}
	latency, err := meter.Float64Histogram("askdb.chat.agent_latency",
		metric.WithDescription("Agent invocation latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}

	return &Controller{
		agent:      a,
		dictionary: cfg.Dictionary,
		timeout:    cfg.Timeout,
		unavailErr: cfg.UnavailableErr,
		log:        log,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		exchanges:  exchanges,
		failures:   failures,
		latency:    latency,
	}, nil
}

// Available reports whether submissions can reach the agent.
func (c *Controller) Available() bool {
	return c.unavailErr == nil
}

// UnavailableErr returns why the agent is disabled, or nil.
func (c *Controller) UnavailableErr() error {
	return c.unavailErr
}

// Dictionary returns the data dictionary prepended to questions.
func (c *Controller) Dictionary() string {
	return c.dictionary
}

// Submit answers rawInput for sess and appends the exchange to its
// conversation.
//
// The agent call is not cancelled when ctx is; it runs until it answers,
// fails or hits the controller timeout.
func (c *Controller) Submit(ctx context.Context, sess *domain.Session, rawInput string) (*Outcome, error) {
	if strings.TrimSpace(rawInput) == "" {
		return nil, ErrEmptyInput
	}
	if c.unavailErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrAgentUnavailable, c.unavailErr)
	}

	release, ok := sess.BeginExchange()
	if !ok {
		return nil, ErrTurnInFlight
	}
	defer release()

	sess.SetInput(rawInput)

	ctx, span := c.tracer.Start(ctx, "chat.Submit", trace.WithAttributes(
		attribute.String("session.key", sess.Key()),
		attribute.Int("input.length", len(rawInput)),
	))
	defer span.End()

	userTurn := domain.NewTurn(domain.SpeakerUser, rawInput)
	c.logTurn(sess, userTurn, "outbound", "chat_user_message", nil)

	prompt := datadict.Compose(c.dictionary, rawInput)

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	result, err := c.agent.Invoke(callCtx, agent.Request{Prompt: prompt})
	elapsed := time.Since(start)
	c.latency.Record(ctx, float64(elapsed.Milliseconds()))

	outcome := &Outcome{User: userTurn, Duration: elapsed}
	if err == nil && (result == nil || strings.TrimSpace(result.Output) == "") {
		err = agent.ErrEmptyResponse
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("agent timed out after %s: %w", c.timeout, err)
		}
		outcome.Err = err
		outcome.Reply = domain.NewTurn(domain.SpeakerAgent, failureText(err))
		outcome.Reply.Failed = true

		span.RecordError(err)
		span.SetStatus(codes.Error, "agent invocation failed")
		c.failures.Add(ctx, 1)
		c.logger.Warn("Agent invocation failed",
			"user_id", sess.UserID,
			"session_id", sess.SessionID,
			"duration", elapsed,
			"error", err,
		)
	} else {
		outcome.Reply = domain.NewTurn(domain.SpeakerAgent, result.Output)
		outcome.Queries = result.Queries
		c.logger.Info("Agent answered",
			"user_id", sess.UserID,
			"session_id", sess.SessionID,
			"duration", elapsed,
			"queries", len(result.Queries),
		)
	}

	sess.CompleteExchange(outcome.User, outcome.Reply)
	c.exchanges.Add(ctx, 1, metric.WithAttributes(attribute.Bool("failed", outcome.Failed())))

	meta := map[string]any{
		"duration_ms": elapsed.Milliseconds(),
		"failed":      outcome.Failed(),
		"queries":     outcome.Queries,
	}
	if outcome.Err != nil {
		meta["error"] = outcome.Err.Error()
	}
	c.logTurn(sess, outcome.Reply, "inbound", "chat_agent_message", meta)

	return outcome, nil
}

func (c *Controller) logTurn(sess *domain.Session, turn domain.Turn, direction, eventType string, meta map[string]any) {
	c.log.Log(ConversationLogEvent{
		Timestamp:  turn.CreatedAt.Format(time.RFC3339Nano),
		UserID:     sess.UserID,
		SessionID:  sess.SessionID,
		Channel:    "chat",
		Direction:  direction,
		EventType:  eventType,
		TurnID:     turn.ID,
		ContentRaw: turn.Text,
		Meta:       meta,
	})
}

func failureText(err error) string {
	return FailureReply + " The query agent returned an error: " + shared.Truncate(err.Error(), 300)
}
