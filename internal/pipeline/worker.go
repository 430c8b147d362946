package pipeline

import "context"

// ExportWorker runs one handler on one subtask inside the pool
type ExportWorker struct {
	handler Handler
	subtask *ExportSubtask
	result  *future
}

// Run stores the handler's outcome on the future. Only restart-class
// errors are returned, so the pool's first error is the restart cause.
func (w *ExportWorker) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		w.result.err = err
		return nil
	}
	err := w.handler.HandleSubtask(ctx, w.subtask)
	w.result.err = err
	if err != nil && Classify(err) == ClassRestart {
		return err
	}
	return nil
}
