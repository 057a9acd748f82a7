package runtime

import (
	"context"
	"io"

	"github.com/pithecene-io/trackd/ipc"
	"github.com/pithecene-io/trackd/types"
)

// route delivers a result to its in-process waiter when one holds the
// slot, and otherwise to the client. AlwaysDeliverToClient sends it to
// the client in both cases.
func (s *Stream) route(ctx context.Context, res *types.Result, fromClient bool) {
	local := false
	if slot := res.Control.MailboxSlot; slot != "" && s.mailbox.Has(slot) {
		if err := s.mailbox.Deliver(res); err != nil {
			s.logger.Debug("mailbox delivery failed", map[string]any{
				"slot":  slot,
				"error": err.Error(),
			})
		} else {
			local = true
		}
	}

	toClient := (fromClient && !local) || res.Control.AlwaysDeliverToClient
	if !toClient {
		return
	}
	select {
	case s.results <- res:
	case <-ctx.Done():
	}
}

// writeResults frames results onto the client connection until the
// ingestion loop stops. A client that went away is not an error: results
// are drained so ingestion never blocks on it.
func (s *Stream) writeResults(ctx context.Context, w io.Writer) error {
	var rw *ipc.ResultWriter
	if w != nil {
		rw = ipc.NewResultWriter(ipc.NewFrameEncoder(w))
	}

	write := func(res *types.Result) {
		if rw == nil {
			return
		}
		if err := rw.Write(res); err != nil {
			s.logger.Warn("client write failed, dropping further results", map[string]any{
				"seq":   res.Seq,
				"error": err.Error(),
			})
			rw = nil
			return
		}
		s.collector.IncResultDelivered()
	}

	for {
		select {
		case res := <-s.results:
			write(res)
		case <-s.stopCh:
			for {
				select {
				case res := <-s.results:
					write(res)
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
