package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// AlertFunc is invoked when a job has used up its attempts or panicked.
type AlertFunc func(ctx context.Context, job *rivertype.JobRow, err error)

// AlertingErrorHandler logs job failures. Failures that will be retried are
// warnings; the final failure is an error and is forwarded to Notify.
type AlertingErrorHandler struct {
	Logger *slog.Logger
	Notify AlertFunc
}

func NewAlertingErrorHandler(logger *slog.Logger, notify AlertFunc) *AlertingErrorHandler {
	return &AlertingErrorHandler{
		Logger: logger,
		Notify: notify,
	}
}

func (h *AlertingErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	final := isFinalAttempt(job)
	if h.Logger != nil {
		level := slog.LevelWarn
		msg := "job failed, will retry"
		if final {
			level = slog.LevelError
			msg = "job failed"
		}
		h.Logger.Log(ctx, level, msg,
			"job_id", job.ID,
			"kind", job.Kind,
			"queue", job.Queue,
			"attempt", job.Attempt,
			"max_attempts", job.MaxAttempts,
			"error", err,
		)
	}
	if final && h.Notify != nil {
		h.Notify(ctx, job, err)
	}
	return nil
}

func (h *AlertingErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	panicErr := fmt.Errorf("panic: %v", panicVal)
	if h.Logger != nil {
		h.Logger.Error("job panicked",
			"job_id", job.ID,
			"kind", job.Kind,
			"queue", job.Queue,
			"attempt", job.Attempt,
			"error", panicErr,
			"trace", trace,
		)
	}
	if h.Notify != nil {
		h.Notify(ctx, job, panicErr)
	}
	return nil
}

func isFinalAttempt(job *rivertype.JobRow) bool {
	return job.MaxAttempts > 0 && job.Attempt >= job.MaxAttempts
}
