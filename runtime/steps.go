package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/trackd/shutdown"
	"github.com/pithecene-io/trackd/types"
)

// shutdownSteps binds the run's collaborators to the shutdown states.
// States without a step are only recorded.
func (s *Stream) shutdownSteps() map[types.DeferState]shutdown.Step {
	steps := map[types.DeferState]shutdown.Step{
		types.DeferBegin: {
			// Producers are no longer held back once the run drains.
			Action: func(context.Context) error {
				s.flow.Close()
				return nil
			},
		},
		types.DeferFlushPartialHistory: {
			// Recording the state commits the partial row.
			Done: func(context.Context) error {
				if s.agg.HasPartialHistory() {
					return errors.New("partial history row still pending")
				}
				return nil
			},
		},
		types.DeferFlushLogSync: {
			Done: func(ctx context.Context) error {
				if err := s.syncer.drain(ctx, s.log.Size()); err != nil {
					return err
				}
				return s.sched.WaitIdle(ctx, types.OperationRemoteSync)
			},
		},
	}

	if s.poller != nil {
		steps[types.DeferFlushStats] = shutdown.Step{
			Done: func(ctx context.Context) error {
				err := s.poller.Flush(ctx)
				if stopErr := s.poller.Stop(ctx); err == nil {
					err = stopErr
				}
				return err
			},
		}
	}

	if s.pusher != nil {
		steps[types.DeferFlushFilePusher] = shutdown.Step{
			Action: func(context.Context) error {
				s.pusher.Finish()
				return nil
			},
		}
		steps[types.DeferJoinFilePusher] = shutdown.Step{
			Done: func(ctx context.Context) error {
				if err := s.pusher.Join(ctx); err != nil {
					return err
				}
				if err := s.sched.WaitIdle(ctx, types.OperationFileTransfer); err != nil {
					return err
				}
				if n := s.sched.Stats()[types.OperationFileTransfer].TerminalFailed; n > 0 {
					return fmt.Errorf("%d file transfers failed", n)
				}
				return nil
			},
		}
	}
	return steps
}
