// Package collab reports staged progress of character generation.
//
// This file implements GenerationReporter, a linear state machine that
// broadcasts STARTED, six progress stages and COMPLETE for one generation
// request, or ERROR from whichever stage failed. The remote AI call is
// behind the Generator interface.
package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fablecraft/collab-relay/internal/logging"
)

// DefaultStageDelay is the pause before each progress stage.
const DefaultStageDelay = 1500 * time.Millisecond

// Stage is a state of the generation state machine.
type Stage string

const (
	StageInitializing          Stage = "initializing"
	StageAnalyzingPrompt       Stage = "analyzing_prompt"
	StageGeneratingTraits      Stage = "generating_traits"
	StageCreatingBackstory     Stage = "creating_backstory"
	StageDefiningRelationships Stage = "defining_relationships"
	StageFinalizing            Stage = "finalizing"
	StageComplete              Stage = "complete"
	StageError                 Stage = "error"
)

type stageStep struct {
	stage    Stage
	progress int
	message  string
}

// generationStages is the fixed progress sequence after initializing.
var generationStages = []stageStep{
	{StageAnalyzingPrompt, 10, "Analyzing prompt"},
	{StageGeneratingTraits, 30, "Generating personality traits"},
	{StageCreatingBackstory, 50, "Creating backstory"},
	{StageDefiningRelationships, 70, "Defining relationships"},
	{StageFinalizing, 90, "Finalizing character"},
	{StageComplete, 100, "Character generation complete"},
}

// GenerationRequest is what a Generator is asked to produce.
type GenerationRequest struct {
	GenerationID string
	ProjectID    string
	Prompt       string
	Options      map[string]any
}

// Generator produces a character. Implementations are opaque remote calls.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (map[string]any, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerationRequest) (map[string]any, error)

// Generate calls f(ctx, req).
func (f GeneratorFunc) Generate(ctx context.Context, req GenerationRequest) (map[string]any, error) {
	return f(ctx, req)
}

// SimulatedGenerator synthesizes a character from the prompt without any
// remote call.
type SimulatedGenerator struct{}

// Generate returns a placeholder character derived from the request.
func (SimulatedGenerator) Generate(ctx context.Context, req GenerationRequest) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := "Generated Character"
	if v, ok := req.Options["name"].(string); ok && v != "" {
		name = v
	}
	return map[string]any{
		"id":          "char-" + strings.TrimPrefix(req.GenerationID, "gen-"),
		"name":        name,
		"description": fmt.Sprintf("A character inspired by: %s", req.Prompt),
		"traits":      []string{"curious", "resilient", "guarded"},
		"backstory":   "Raised far from the places the story will take them.",
		"options":     req.Options,
	}, nil
}

// GenerationReporter runs generation sequences and broadcasts their
// progress to the project room. A sequence is never retried and cannot be
// cancelled by clients; it ends on completion or on the first error.
type GenerationReporter struct {
	broadcaster Broadcaster
	generator   Generator
	clock       Clock
	delay       time.Duration
	logger      logging.Logger

	// mu orders wg.Add in Start against Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// ErrGenerationClosed is returned by Start after Close.
var ErrGenerationClosed = errors.New("generation reporter closed")

// NewGenerationReporter creates a GenerationReporter. A nil generator means
// SimulatedGenerator; a negative delay means DefaultStageDelay.
func NewGenerationReporter(b Broadcaster, generator Generator, clock Clock, delay time.Duration, logger logging.Logger) *GenerationReporter {
	if generator == nil {
		generator = SimulatedGenerator{}
	}
	if delay < 0 {
		delay = DefaultStageDelay
	}
	return &GenerationReporter{
		broadcaster: b,
		generator:   generator,
		clock:       clock,
		delay:       delay,
		logger:      logger.WithComponent("generation"),
	}
}

// newGenerationID returns gen-{unixMillis}-{random}.
func newGenerationID(now time.Time) string {
	return fmt.Sprintf("gen-%d-%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
}

// Start runs a generation sequence in the background and returns its ID.
// ctx bounds the sequence; the server cancels it on shutdown. After Close,
// Start returns ErrGenerationClosed and broadcasts nothing.
func (g *GenerationReporter) Start(ctx context.Context, projectID, prompt string, options map[string]any) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return "", ErrGenerationClosed
	}
	id := newGenerationID(g.clock.Now())
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(ctx, id, projectID, prompt, options)
	}()
	return id, nil
}

// RunGeneration runs a full generation sequence synchronously and returns
// its generation ID once COMPLETE or ERROR has been broadcast.
func (g *GenerationReporter) RunGeneration(ctx context.Context, projectID, prompt string, options map[string]any) string {
	id := newGenerationID(g.clock.Now())
	g.run(ctx, id, projectID, prompt, options)
	return id
}

// Wait blocks until every sequence started with Start has ended.
func (g *GenerationReporter) Wait() {
	g.wg.Wait()
}

// Close stops Start from accepting new sequences and waits for the running
// ones. Safe to call more than once.
func (g *GenerationReporter) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *GenerationReporter) run(ctx context.Context, generationID, projectID, prompt string, options map[string]any) {
	room := ProjectRoom(projectID)
	logger := g.logger.With("generation", generationID, "project", projectID)
	logger.Infow("generation started")

	g.broadcaster.Broadcast(room, Message{
		Type: TypeGenerationStarted,
		Payload: GenerationPayload{
			GenerationID: generationID,
			ProjectID:    projectID,
			Prompt:       prompt,
			Stage:        StageInitializing,
			Progress:     0,
			Message:      "Starting character generation",
		},
		Timestamp: g.clock.Now().UnixMilli(),
	})

	current := StageInitializing
	fail := func(err error) {
		logger.Errorw("generation failed", "stage", current, "error", err)
		g.broadcaster.Broadcast(room, Message{
			Type: TypeGenerationError,
			Payload: GenerationPayload{
				GenerationID: generationID,
				ProjectID:    projectID,
				Stage:        StageError,
				Message:      fmt.Sprintf("failed during %s", current),
				Error:        err.Error(),
			},
			Timestamp: g.clock.Now().UnixMilli(),
		})
	}

	var result map[string]any
	for _, step := range generationStages {
		if err := g.wait(ctx); err != nil {
			fail(err)
			return
		}

		// The remote call happens once finalizing has been reported, so
		// complete (100%) is only ever sent for a produced character.
		if step.stage == StageComplete {
			r, err := g.generator.Generate(ctx, GenerationRequest{
				GenerationID: generationID,
				ProjectID:    projectID,
				Prompt:       prompt,
				Options:      options,
			})
			if err != nil {
				fail(err)
				return
			}
			result = r
		}

		current = step.stage
		g.broadcaster.Broadcast(room, Message{
			Type: TypeGenerationProgress,
			Payload: GenerationPayload{
				GenerationID: generationID,
				ProjectID:    projectID,
				Stage:        step.stage,
				Progress:     step.progress,
				Message:      step.message,
			},
			Timestamp: g.clock.Now().UnixMilli(),
		})
	}

	g.broadcaster.Broadcast(room, Message{
		Type: TypeGenerationComplete,
		Payload: GenerationPayload{
			GenerationID: generationID,
			ProjectID:    projectID,
			Stage:        StageComplete,
			Progress:     100,
			Result:       result,
		},
		Timestamp: g.clock.Now().UnixMilli(),
	})
	logger.Infow("generation complete")
}

// errGenerationCancelled wraps context errors so clients see a readable
// reason.
var errGenerationCancelled = errors.New("generation cancelled")

// wait pauses for the stage delay or until ctx is done.
func (g *GenerationReporter) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errGenerationCancelled, err)
	}
	if g.delay == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errGenerationCancelled, ctx.Err())
	case <-g.clock.After(g.delay):
		return nil
	}
}
