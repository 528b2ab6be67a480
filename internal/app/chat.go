package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/cursor"
	"github.com/cursorgate/cursorgate/internal/models"
	"github.com/cursorgate/cursorgate/internal/telemetry"
	"github.com/cursorgate/cursorgate/internal/token"
	"github.com/cursorgate/cursorgate/internal/tokencount"
)

// statusUpstreamSilence is returned when the upstream closes the stream
// without producing a single event.
const statusUpstreamSilence = 533

// defaultEmptyStreamLimit is the number of consecutive eventless reads
// after which a live stream is declared silent and cut off.
const defaultEmptyStreamLimit = 100

// ChatService drives one chat completion end to end: model resolution,
// request assembly, the upstream call, and the decoded event stream. The
// HTTP layer only translates events into the client's dialect.
type ChatService struct {
	Models          *models.Registry
	Client          *cursor.Client
	Logs            *LogManager
	Counter         *tokencount.Counter
	Metrics         *telemetry.Metrics
	Vision          cursor.VisionPolicy
	LongContext     bool
	RealUsage       bool // count the upstream filled prompt instead of estimating
	EmptyLimit      int  // eventless-read cutoff, defaults to defaultEmptyStreamLimit
	DefaultTimezone string
	ServiceTimeout  time.Duration
}

// ChatOptions is one normalized inbound request, dialect already stripped.
type ChatOptions struct {
	Model          string
	Messages       []gateway.Message
	System         string
	Stream         bool
	DisableVision  bool
	EnableSlowPool *bool
	ConvertWebRefs bool // render citations as text instead of structured refs
}

// ChatStream is a live decoded upstream stream. The first result has
// already been taken, so any error surfaced here arrived after the HTTP
// status was committed.
type ChatStream struct {
	Model  models.ExtModel
	LogID  uint64
	events chan cursor.Event
	err    *gateway.APIError
	cancel context.CancelFunc
	done   chan struct{}
}

// Events yields decoded events until the stream ends.
func (s *ChatStream) Events() <-chan cursor.Event { return s.events }

// Err reports the terminal stream error, valid after Events is closed.
func (s *ChatStream) Err() *gateway.APIError {
	<-s.done
	return s.err
}

// Close abandons the stream and releases the upstream connection.
func (s *ChatStream) Close() {
	s.cancel()
	<-s.done
}

// Stream opens the upstream chat stream for bundle. It blocks until the
// first upstream result is known, so the caller has not committed an HTTP
// status when an error comes back. The bundle handle stays owned by the
// caller; the log manager gets its own clone.
func (c *ChatService) Stream(ctx context.Context, bundle token.Bundle, opts ChatOptions) (*ChatStream, *gateway.APIError) {
	ext, err := c.Models.Resolve(opts.Model)
	if err != nil {
		return nil, APIErrorFrom(err)
	}

	vision := c.Vision
	if opts.DisableVision {
		vision = cursor.VisionNone
	}
	req, err := cursor.Assemble(ctx, opts.Messages, opts.System, cursor.AssembleOptions{
		Model:           ext,
		Bundle:          bundle,
		Vision:          vision,
		EnableSlowPool:  opts.EnableSlowPool,
		LongContext:     c.LongContext,
		DefaultTimezone: c.DefaultTimezone,
		HTTPClient:      c.httpClient(bundle),
	})
	if err != nil {
		return nil, APIErrorFrom(err)
	}

	logID := c.Logs.NextID()
	started := time.Now()
	c.Logs.Push(gateway.RequestLog{
		ID:        logID,
		Timestamp: started,
		Model:     opts.Model,
		TokenKey:  bundle.Token.Key().String(),
		Stream:    opts.Stream,
		Status:    gateway.LogPending,
		Chain:     &gateway.LogChain{Prompt: promptText(opts)},
	}, bundle.ForRequest())

	var streamCtx context.Context
	var cancel context.CancelFunc
	if c.ServiceTimeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, c.ServiceTimeout)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}

	body, uerr := c.Client.StreamChat(streamCtx, bundle, req)
	if uerr != nil {
		cancel()
		apiErr := APIErrorFrom(uerr)
		c.finishLog(logID, started, nil, apiErr)
		return nil, apiErr
	}

	dec := cursor.NewDecoder(opts.ConvertWebRefs)
	firstEvents, apiErr := c.awaitFirstResult(body, dec)
	if apiErr != nil {
		body.Close()
		cancel()
		c.finishLog(logID, started, nil, apiErr)
		return nil, apiErr
	}

	st := &ChatStream{
		Model:  ext,
		LogID:  logID,
		events: make(chan cursor.Event, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.pump(streamCtx, st, body, dec, firstEvents, opts, started)
	return st, nil
}

// awaitFirstResult feeds the decoder until the buffered first result is
// ready, converting upstream silence into its dedicated status.
func (c *ChatService) awaitFirstResult(body io.Reader, dec *cursor.Decoder) ([]cursor.Event, *gateway.APIError) {
	buf := make([]byte, 4096)
	for !dec.IsFirstResultReady() {
		n, err := body.Read(buf)
		if n > 0 {
			// Events and errors buffer inside the decoder until the
			// first result is taken.
			dec.Decode(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				return nil, &gateway.APIError{
					Status: http.StatusBadGateway, Code: "upstream_error", Message: err.Error(),
				}
			}
			break
		}
	}
	events, apiErr := dec.TakeFirstResult()
	if apiErr != nil {
		return nil, apiErr
	}
	if len(events) == 0 {
		return nil, &gateway.APIError{
			Status: statusUpstreamSilence, Code: "upstream_silence",
			Message: "upstream produced no output",
		}
	}
	return events, nil
}

// pump forwards the buffered first result and the remainder of the stream,
// then settles the request log with timing and estimated usage.
func (c *ChatService) pump(ctx context.Context, st *ChatStream, body io.ReadCloser,
	dec *cursor.Decoder, first []cursor.Event, opts ChatOptions, started time.Time) {

	defer close(st.done)
	defer close(st.events)
	defer body.Close()

	var completion strings.Builder
	var filledPrompt string
	var delays []float64
	last := started

	emit := func(ev cursor.Event) bool {
		switch ev.Kind {
		case cursor.EventContent, cursor.EventThinking:
			completion.WriteString(ev.Text)
			now := time.Now()
			delays = append(delays, now.Sub(last).Seconds())
			last = now
		case cursor.EventDebug:
			filledPrompt = ev.Text
		}
		if c.Metrics != nil {
			c.Metrics.StreamEvents.WithLabelValues(eventLabel(ev.Kind)).Inc()
		}
		select {
		case st.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, ev := range first {
		if !emit(ev) {
			c.settle(st, opts, started, completion.String(), filledPrompt, delays, ctxErr(ctx))
			return
		}
	}

	emptyLimit := c.EmptyLimit
	if emptyLimit <= 0 {
		emptyLimit = defaultEmptyStreamLimit
	}

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			events, derr := dec.Decode(buf[:n])
			if derr != nil {
				c.settle(st, opts, started, completion.String(), filledPrompt, delays, derr)
				return
			}
			for _, ev := range events {
				if !emit(ev) {
					c.settle(st, opts, started, completion.String(), filledPrompt, delays, ctxErr(ctx))
					return
				}
			}
			// An upstream that keeps the connection busy without ever
			// completing an event is treated as silent.
			if dec.EmptyCalls() >= emptyLimit {
				c.settle(st, opts, started, completion.String(), filledPrompt, delays, &gateway.APIError{
					Status: statusUpstreamSilence, Code: "upstream_silence",
					Message: "upstream went silent mid-stream",
				})
				return
			}
		}
		if err != nil {
			var apiErr *gateway.APIError
			if err != io.EOF {
				apiErr = &gateway.APIError{
					Status: http.StatusBadGateway, Code: "upstream_error", Message: err.Error(),
				}
			}
			c.settle(st, opts, started, completion.String(), filledPrompt, delays, apiErr)
			return
		}
	}
}

// settle records the stream outcome on the log and the metrics.
func (c *ChatService) settle(st *ChatStream, opts ChatOptions, started time.Time,
	completion, filledPrompt string, delays []float64, apiErr *gateway.APIError) {

	st.err = apiErr
	elapsed := time.Since(started).Seconds()

	prompt := c.Counter.EstimateRequest(opts.Messages)
	if c.RealUsage && filledPrompt != "" {
		prompt = c.Counter.CountText(filledPrompt)
	}
	usage := &gateway.Usage{
		PromptTokens:     prompt,
		CompletionTokens: c.Counter.CountText(completion),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	c.Logs.Update(st.LogID, func(l *gateway.RequestLog) {
		l.Timing = elapsed
		if apiErr != nil {
			l.Status = gateway.LogFailure
			l.Error = apiErr.Error()
		} else {
			l.Status = gateway.LogSuccess
		}
		if l.Chain != nil {
			l.Chain.Delays = delays
			l.Chain.Usage = usage
		}
	})

	if c.Metrics != nil {
		c.Metrics.UpstreamDuration.WithLabelValues(opts.Model).Observe(elapsed)
		c.Metrics.TokensEstimated.WithLabelValues(opts.Model, "prompt").Add(float64(usage.PromptTokens))
		c.Metrics.TokensEstimated.WithLabelValues(opts.Model, "completion").Add(float64(usage.CompletionTokens))
		if apiErr != nil {
			c.Metrics.UpstreamErrors.WithLabelValues(apiErr.Code).Inc()
		}
	}
	if apiErr != nil {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "stream failed",
			slog.Uint64("log_id", st.LogID),
			slog.String("model", opts.Model),
			slog.String("code", apiErr.Code),
		)
	}
}

// finishLog settles a request that failed before its stream started.
func (c *ChatService) finishLog(logID uint64, started time.Time, usage *gateway.Usage, apiErr *gateway.APIError) {
	elapsed := time.Since(started).Seconds()
	c.Logs.Update(logID, func(l *gateway.RequestLog) {
		l.Timing = elapsed
		l.Status = gateway.LogFailure
		l.Error = apiErr.Error()
		if l.Chain != nil {
			l.Chain.Usage = usage
		}
	})
	if c.Metrics != nil {
		c.Metrics.UpstreamErrors.WithLabelValues(apiErr.Code).Inc()
	}
}

// Usage estimates the token usage for a finished exchange.
func (c *ChatService) Usage(messages []gateway.Message, completion string) gateway.Usage {
	u := gateway.Usage{
		PromptTokens:     c.Counter.EstimateRequest(messages),
		CompletionTokens: c.Counter.CountText(completion),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func (c *ChatService) httpClient(b token.Bundle) *http.Client {
	return c.Client.PoolClient(b.ProxyName)
}

// APIErrorFrom maps sentinel and upstream errors onto the canonical form.
func APIErrorFrom(err error) *gateway.APIError {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, gateway.ErrBadModel):
		// The upstream's own code for this, surfaced without a round trip.
		status, code = http.StatusBadRequest, "ERROR_BAD_MODEL_NAME"
	case errors.Is(err, gateway.ErrVisionDisabled):
		status, code = http.StatusBadRequest, "vision_disabled"
	case errors.Is(err, gateway.ErrBadImage):
		status, code = http.StatusBadRequest, "invalid_image"
	case errors.Is(err, gateway.ErrBadRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrTokenExpired),
		errors.Is(err, gateway.ErrTokenMalformed):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, gateway.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, gateway.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, gateway.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, gateway.ErrNoTokens):
		status, code = http.StatusServiceUnavailable, "no_tokens"
	case errors.Is(err, gateway.ErrUpstreamSilence):
		status, code = statusUpstreamSilence, "upstream_silence"
	case errors.Is(err, gateway.ErrUpstream):
		status, code = http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	}
	return &gateway.APIError{Status: status, Code: code, Message: err.Error()}
}

func ctxErr(ctx context.Context) *gateway.APIError {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &gateway.APIError{Status: http.StatusGatewayTimeout, Code: "timeout", Message: "service timeout exceeded"}
	case ctx.Err() != nil:
		return &gateway.APIError{Status: 499, Code: "canceled", Message: "client disconnected"}
	default:
		return nil
	}
}

func eventLabel(k cursor.EventKind) string {
	switch k {
	case cursor.EventContentStart:
		return "content_start"
	case cursor.EventContent:
		return "content"
	case cursor.EventThinking:
		return "thinking"
	case cursor.EventWebRefs:
		return "web_refs"
	case cursor.EventDebug:
		return "debug"
	case cursor.EventStreamEnd:
		return "stream_end"
	default:
		return "unknown"
	}
}

// promptText flattens the request into the text stored on the log chain.
func promptText(opts ChatOptions) string {
	var b strings.Builder
	if opts.System != "" {
		b.WriteString(opts.System)
		b.WriteString("\n\n")
	}
	for _, m := range opts.Messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		r := gjson.ParseBytes(m.Content)
		if r.Type == gjson.String {
			b.WriteString(r.String())
		} else {
			r.ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text"); t.Exists() {
					b.WriteString(t.String())
				}
				return true
			})
		}
		b.WriteString("\n")
	}
	return b.String()
}
