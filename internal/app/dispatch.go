package app

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"modbot/internal/services/ack"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type reactionHandler interface {
	HandleReaction(ctx context.Context, r transport.Reaction) (ack.Result, error)
}

type messageHandler interface {
	Dispatch(ctx context.Context, m transport.Message) bool
}

// dispatcher fans gateway updates out to a bounded worker pool.
type dispatcher struct {
	acks    reactionHandler
	cmds    messageHandler
	log     logx.Logger
	workers int
	timeout time.Duration
	queue   int
}

func newDispatcher(acks reactionHandler, cmds messageHandler, log logx.Logger) *dispatcher {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	return &dispatcher{
		acks:    acks,
		cmds:    cmds,
		log:     log,
		workers: workers,
		timeout: 30 * time.Second,
		queue:   128,
	}
}

// Run consumes updates until ctx is done or the channel closes. Workers drain
// the queue before Run returns.
func (d *dispatcher) Run(ctx context.Context, updates <-chan transport.Update) error {
	d.log.Info("dispatcher started", logx.Int("workers", d.workers), logx.Int("job_queue_cap", d.queue))

	var wg sync.WaitGroup
	jobs := make(chan func(context.Context), d.queue)
	wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go func(idx int) {
			defer wg.Done()
			for job := range jobs {
				d.runJob(ctx, idx, job)
			}
		}(i)
	}
	defer func() {
		close(jobs)
		wg.Wait()
		d.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := d.route(up)
			if job == nil {
				continue
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (d *dispatcher) runJob(ctx context.Context, idx int, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in dispatch worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	jctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	job(jctx)
}

func (d *dispatcher) route(up transport.Update) func(context.Context) {
	switch up.Kind {
	case transport.UpdateReaction:
		if up.Reaction == nil || d.acks == nil {
			return nil
		}
		r := *up.Reaction
		return func(ctx context.Context) {
			res, err := d.acks.HandleReaction(ctx, r)
			if err != nil {
				d.log.Warn("reaction failed", logx.String("community", r.CommunityID), logx.String("message", r.MessageID), logx.Err(err))
				return
			}
			if res != ack.Ignored {
				d.log.Debug("reaction handled", logx.String("result", string(res)), logx.String("message", r.MessageID))
			}
		}
	case transport.UpdateMessage:
		if up.Message == nil || d.cmds == nil {
			return nil
		}
		m := *up.Message
		return func(ctx context.Context) { d.cmds.Dispatch(ctx, m) }
	}
	return nil
}
