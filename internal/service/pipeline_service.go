package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/pipeline"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/haatos/simple-cd/internal/util"
	"github.com/rs/zerolog/log"
)

type Submitter interface {
	Submit(context.Context, *pipeline.Definition, pipeline.TriggerContext, SubmitOptions) (*store.PipelineRun, error)
}

type PipelineServicer interface {
	CreatePipeline(ctx context.Context, repository string, definition []byte) (*store.Pipeline, error)
	GetPipelineByID(context.Context, string) (*store.Pipeline, error)
	ListPipelines(context.Context) ([]*store.Pipeline, error)
	UpdatePipelineSchedule(ctx context.Context, id string, schedule, ref *string) (*store.Pipeline, error)
	DeletePipeline(context.Context, string) error
	SubmitPipeline(
		ctx context.Context,
		id string,
		tc pipeline.TriggerContext,
		opts SubmitOptions,
	) (*store.PipelineRun, error)
}

// PipelineService keeps the registry of named pipeline definitions and
// their cron triggers.
type PipelineService struct {
	pipelineStore store.PipelineStore
	runs          Submitter
	scheduler     gocron.Scheduler
}

func NewPipelineService(
	pipelineStore store.PipelineStore,
	runs Submitter,
	scheduler gocron.Scheduler,
) *PipelineService {
	return &PipelineService{
		pipelineStore: pipelineStore,
		runs:          runs,
		scheduler:     scheduler,
	}
}

// CreatePipeline registers a definition under the name it declares.
func (s *PipelineService) CreatePipeline(
	ctx context.Context,
	repository string,
	definition []byte,
) (*store.Pipeline, error) {
	if strings.TrimSpace(repository) == "" {
		return nil, fault.Validation("pipelines", "create", errors.New("repository is required"))
	}
	def, err := pipeline.Parse(definition)
	if err != nil {
		return nil, err
	}
	p := &store.Pipeline{
		PipelineID: uuid.NewString(),
		Name:       def.Name(),
		Repository: repository,
		Definition: string(definition),
	}
	if err := s.pipelineStore.CreatePipeline(ctx, p); err != nil {
		if errors.Is(err, fault.ErrAlreadyExists) {
			return nil, fault.New(fault.KindConflict, "pipelines", "create", err)
		}
		return nil, err
	}
	return p, nil
}

func (s *PipelineService) GetPipelineByID(ctx context.Context, id string) (*store.Pipeline, error) {
	return s.pipelineStore.ReadPipelineByID(ctx, id)
}

func (s *PipelineService) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	return s.pipelineStore.ListPipelines(ctx)
}

// UpdatePipelineSchedule replaces the pipeline's cron trigger. A nil
// schedule removes it.
func (s *PipelineService) UpdatePipelineSchedule(
	ctx context.Context,
	id string,
	schedule, ref *string,
) (*store.Pipeline, error) {
	p, err := s.pipelineStore.ReadPipelineByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if schedule != nil && *schedule == "" {
		schedule = nil
	}
	if schedule != nil && (ref == nil || *ref == "") {
		return nil, fault.Validation("pipelines", "schedule", errors.New("scheduled runs require a ref"))
	}

	var jobID *string
	if schedule != nil {
		scheduled := *p
		scheduled.Schedule, scheduled.ScheduleRef = schedule, ref
		if jobID, err = s.schedulePipelineRun(&scheduled); err != nil {
			return nil, err
		}
	} else {
		ref = nil
	}
	s.unschedule(p)

	if err := s.pipelineStore.UpdatePipelineSchedule(ctx, p.PipelineID, schedule, ref); err != nil {
		return nil, err
	}
	if err := s.pipelineStore.UpdatePipelineScheduleJobID(ctx, p.PipelineID, jobID); err != nil {
		return nil, err
	}
	p.Schedule, p.ScheduleRef, p.ScheduleJobID = schedule, ref, jobID
	return p, nil
}

func (s *PipelineService) DeletePipeline(ctx context.Context, id string) error {
	p, err := s.pipelineStore.ReadPipelineByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.pipelineStore.DeletePipeline(ctx, id); err != nil {
		return err
	}
	s.unschedule(p)
	return nil
}

// SubmitPipeline starts a run of a registered pipeline. The trigger's
// repository defaults to the pipeline's.
func (s *PipelineService) SubmitPipeline(
	ctx context.Context,
	id string,
	tc pipeline.TriggerContext,
	opts SubmitOptions,
) (*store.PipelineRun, error) {
	p, err := s.pipelineStore.ReadPipelineByID(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := pipeline.Parse([]byte(p.Definition))
	if err != nil {
		return nil, err
	}
	if tc.Repository == "" {
		tc.Repository = p.Repository
	}
	return s.runs.Submit(ctx, def, tc, opts)
}

// ScheduleAll registers the cron triggers of every scheduled pipeline.
func (s *PipelineService) ScheduleAll(ctx context.Context) error {
	pipelines, err := s.pipelineStore.ListScheduledPipelines(ctx)
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		jobID, err := s.schedulePipelineRun(p)
		if err != nil {
			log.Error().Err(err).Str("pipeline", p.Name).Msg("scheduling pipeline")
			continue
		}
		if err := s.pipelineStore.UpdatePipelineScheduleJobID(ctx, p.PipelineID, jobID); err != nil {
			return err
		}
	}
	log.Info().Int("pipelines", len(pipelines)).Msg("scheduled pipelines")
	return nil
}

func (s *PipelineService) schedulePipelineRun(p *store.Pipeline) (*string, error) {
	if s.scheduler == nil {
		return nil, nil
	}
	job, err := s.scheduler.NewJob(
		gocron.CronJob(*p.Schedule, false),
		gocron.NewTask(s.runScheduled, p.PipelineID, *p.ScheduleRef),
		gocron.WithName(p.Name),
	)
	if err != nil {
		return nil, fault.Validation(
			"pipelines", "schedule",
			fmt.Errorf("error scheduling pipeline %s: %w", p.Name, err),
		)
	}
	return util.AsPtr(job.ID().String()), nil
}

func (s *PipelineService) unschedule(p *store.Pipeline) {
	if s.scheduler == nil || p.ScheduleJobID == nil {
		return
	}
	id, err := uuid.Parse(*p.ScheduleJobID)
	if err != nil {
		return
	}
	if err := s.scheduler.RemoveJob(id); err != nil {
		log.Warn().Err(err).Str("pipeline", p.Name).Msg("unable to remove existing job")
	}
}

func (s *PipelineService) runScheduled(pipelineID, ref string) {
	run, err := s.SubmitPipeline(context.Background(), pipelineID, pipeline.TriggerContext{
		Ref:   ref,
		Event: pipeline.EventSchedule,
		Actor: schedulerActor,
	}, SubmitOptions{})
	if err != nil {
		log.Error().Err(err).Str("pipeline_id", pipelineID).Msg("submitting scheduled run")
		return
	}
	log.Info().Str("pipeline_id", pipelineID).Str("run_id", run.RunID).Msg("scheduled run submitted")
}
