package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"clickstream/src/broker"
	"clickstream/src/lib"
)

const (
	ActionStart = "Start"

	generatorTimestampLayout = "2006-01-02T15:04:05.000000Z07:00"
	stallChance              = 0.10
)

var (
	ErrMissingAction   = errors.New("missing action")
	ErrInvalidAction   = errors.New("invalid action")
	ErrInvalidDuration = errors.New("missing or invalid duration")
)

type GenerateRequest struct {
	Action string
	// Duration is in minutes and may be fractional.
	Duration float64
}

// ParseGenerateRequest validates a generation request body. Duration must be
// a JSON number in (0, maxMinutes].
func ParseGenerateRequest(body []byte, maxMinutes int) (GenerateRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return GenerateRequest{}, ErrMissingAction
	}
	actionRaw, ok := raw["action"]
	if !ok {
		return GenerateRequest{}, ErrMissingAction
	}

	var req GenerateRequest
	if err := json.Unmarshal(actionRaw, &req.Action); err != nil || req.Action != ActionStart {
		return GenerateRequest{}, ErrInvalidAction
	}

	durationRaw, ok := raw["duration"]
	if !ok {
		return GenerateRequest{}, ErrInvalidDuration
	}
	if err := json.Unmarshal(durationRaw, &req.Duration); err != nil {
		return GenerateRequest{}, ErrInvalidDuration
	}
	if req.Duration <= 0 || req.Duration > float64(maxMinutes) {
		return GenerateRequest{}, fmt.Errorf("%w: must be > 0 and <= %d minutes", ErrInvalidDuration, maxMinutes)
	}
	return req, nil
}

// GenerateReport summarizes one generation run.
type GenerateReport struct {
	Status               string  `json:"status"`
	StartTime            string  `json:"start_time"`
	EndTime              string  `json:"end_time"`
	Duration             float64 `json:"duration"`
	EventsPublished      int     `json:"events_published"`
	CorrectionsPublished int     `json:"corrections_published"`
}

type generatedEvent struct {
	EventID           string `json:"event_id"`
	EventName         string `json:"event_name"`
	UserID            string `json:"user_id"`
	EventTimestamp    string `json:"event_timestamp"`
	ReceivedTimestamp string `json:"received_timestamp"`
	IsValid           bool   `json:"is_valid"`
}

// Generator publishes synthetic click traffic: one event per second, random
// 30-60s stalls, and occasional corrections of earlier events.
type Generator struct {
	publisher broker.Publisher
	loc       *time.Location
	metrics   *lib.Metrics
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

func NewGenerator(publisher broker.Publisher, loc *time.Location, metrics *lib.Metrics, logger *slog.Logger) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = lib.DiscardLogger()
	}
	return &Generator{
		publisher: publisher,
		loc:       loc,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Run publishes until the duration has elapsed. It blocks for the whole run;
// on error the report covers what was published before it.
func (g *Generator) Run(ctx context.Context, minutes float64) (GenerateReport, error) {
	start := g.now().In(g.loc)
	end := start.Add(time.Duration(minutes * float64(time.Minute)))
	report := GenerateReport{
		Status:    "Successful",
		StartTime: start.Format(generatorTimestampLayout),
		EndTime:   end.Format(generatorTimestampLayout),
		Duration:  minutes,
	}
	g.logger.Info("generator run started", "duration_minutes", minutes, "end_time", report.EndTime)

	var sent []generatedEvent
	for g.now().Before(end) {
		ts := g.timestamp()
		event := generatedEvent{
			EventID:           uuid.NewString(),
			EventName:         "click",
			UserID:            strconv.Itoa(111 + g.randIntN(889)),
			EventTimestamp:    ts,
			ReceivedTimestamp: ts,
			IsValid:           true,
		}

		if g.randFloat() < stallChance {
			if err := g.sleep(ctx, g.between(30*time.Second, 60*time.Second)); err != nil {
				return report, err
			}
		}

		if err := g.publish(ctx, event); err != nil {
			return report, err
		}
		report.EventsPublished++
		g.metrics.Inc(lib.MetricGeneratorEvents)
		sent = append(sent, event)

		if g.randFloat() < 0.05+0.05*g.randFloat() {
			correction := sent[g.randIntN(len(sent))]
			correction.IsValid = false

			if err := g.sleep(ctx, g.between(time.Second, 5*time.Second)); err != nil {
				return report, err
			}
			correction.ReceivedTimestamp = g.timestamp()
			if err := g.publish(ctx, correction); err != nil {
				return report, err
			}
			report.CorrectionsPublished++
			g.metrics.Inc(lib.MetricGeneratorCorrections)
		}

		if err := g.sleep(ctx, time.Second); err != nil {
			return report, err
		}
	}

	g.logger.Info("generator run finished",
		"events_published", report.EventsPublished,
		"corrections_published", report.CorrectionsPublished,
	)
	return report, nil
}

func (g *Generator) publish(ctx context.Context, event generatedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode generated event: %w", err)
	}
	if _, err := g.publisher.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publish generated event %s: %w", event.EventID, err)
	}
	return nil
}

func (g *Generator) timestamp() string {
	return g.now().In(g.loc).Format(generatorTimestampLayout)
}

func (g *Generator) randFloat() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}

func (g *Generator) randIntN(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.IntN(n)
}

func (g *Generator) between(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(g.randFloat()*float64(hi-lo))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
