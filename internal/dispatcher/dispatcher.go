// Package dispatcher implements the EKP's event loop: it owns the
// per-request channels, the halt channel, and the errgroup standing in
// for the original's supervisor future, per spec.md §4.7 and §5's
// concurrency model.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/encrypt-key-proxy/internal/ekp"
	"github.com/kenneth/encrypt-key-proxy/internal/kmsconn"
	"github.com/kenneth/encrypt-key-proxy/internal/knobs"
	"github.com/kenneth/encrypt-key-proxy/internal/metrics"
	"github.com/kenneth/encrypt-key-proxy/internal/tracing"
)

// envelope carries one inbound request plus the channel its reply (or
// error) is delivered on, the Go shape of a FlowTransport endpoint.
type envelope[Req, Reply any] struct {
	ctx   context.Context
	req   Req
	reply chan<- replyOrErr[Reply]
}

type replyOrErr[Reply any] struct {
	reply Reply
	err   error
}

// Dispatcher multiplexes the three inbound request endpoints and a halt
// signal onto the EKP core loop, spawning each request as an independent
// task per spec.md §4.7 step 4: "the dispatcher does not await its
// completion."
type Dispatcher struct {
	proxy  *ekp.Proxy
	logger *logrus.Logger

	byIDs    chan envelope[ekp.GetBaseCipherKeysByIdsRequest, ekp.GetBaseCipherKeysByIdsReply]
	latest   chan envelope[ekp.GetLatestBaseCipherKeysRequest, ekp.GetLatestBaseCipherKeysReply]
	blobMeta chan envelope[ekp.GetLatestBlobMetadataRequest, ekp.GetLatestBlobMetadataReply]
	halt     chan chan struct{}

	blobGCPolicy ekp.BlobGCPolicy
}

// Options configures New.
type Options struct {
	ConnectorType kmsconn.TypeTag
	ConnectorOpts kmsconn.Options
	Knobs         *knobs.Registry
	Metrics       *metrics.Metrics
	Logger        *logrus.Logger
	Chaos         ekp.ChaosInjector
	BlobGCPolicy  ekp.BlobGCPolicy
}

// New builds a Dispatcher and its Proxy, instantiating the KMS connector
// by type tag per spec.md §4.7 step 2. An unrecognized tag fails with
// ErrNotImplemented.
func New(caches *ekp.Caches, opts Options) (*Dispatcher, error) {
	connector, err := kmsconn.New(opts.ConnectorType, opts.ConnectorOpts)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: activate KMS connector: %w", err)
	}

	proxy := ekp.NewProxy(caches, connector, opts.Knobs, opts.Metrics, opts.Logger, opts.Chaos)

	return &Dispatcher{
		proxy:        proxy,
		logger:       opts.Logger,
		byIDs:        make(chan envelope[ekp.GetBaseCipherKeysByIdsRequest, ekp.GetBaseCipherKeysByIdsReply]),
		latest:       make(chan envelope[ekp.GetLatestBaseCipherKeysRequest, ekp.GetLatestBaseCipherKeysReply]),
		blobMeta:     make(chan envelope[ekp.GetLatestBlobMetadataRequest, ekp.GetLatestBlobMetadataReply]),
		halt:         make(chan chan struct{}),
		blobGCPolicy: opts.BlobGCPolicy,
	}, nil
}

// GetBaseCipherKeysByIds submits a request to the dispatcher and blocks
// for its reply.
func (d *Dispatcher) GetBaseCipherKeysByIds(ctx context.Context, req ekp.GetBaseCipherKeysByIdsRequest) (ekp.GetBaseCipherKeysByIdsReply, error) {
	reply := make(chan replyOrErr[ekp.GetBaseCipherKeysByIdsReply], 1)
	select {
	case d.byIDs <- envelope[ekp.GetBaseCipherKeysByIdsRequest, ekp.GetBaseCipherKeysByIdsReply]{ctx: ctx, req: req, reply: reply}:
	case <-ctx.Done():
		return ekp.GetBaseCipherKeysByIdsReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.reply, r.err
	case <-ctx.Done():
		return ekp.GetBaseCipherKeysByIdsReply{}, ctx.Err()
	}
}

// GetLatestBaseCipherKeys submits a request to the dispatcher and blocks
// for its reply.
func (d *Dispatcher) GetLatestBaseCipherKeys(ctx context.Context, req ekp.GetLatestBaseCipherKeysRequest) (ekp.GetLatestBaseCipherKeysReply, error) {
	reply := make(chan replyOrErr[ekp.GetLatestBaseCipherKeysReply], 1)
	select {
	case d.latest <- envelope[ekp.GetLatestBaseCipherKeysRequest, ekp.GetLatestBaseCipherKeysReply]{ctx: ctx, req: req, reply: reply}:
	case <-ctx.Done():
		return ekp.GetLatestBaseCipherKeysReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.reply, r.err
	case <-ctx.Done():
		return ekp.GetLatestBaseCipherKeysReply{}, ctx.Err()
	}
}

// GetLatestBlobMetadata submits a request to the dispatcher and blocks
// for its reply.
func (d *Dispatcher) GetLatestBlobMetadata(ctx context.Context, req ekp.GetLatestBlobMetadataRequest) (ekp.GetLatestBlobMetadataReply, error) {
	reply := make(chan replyOrErr[ekp.GetLatestBlobMetadataReply], 1)
	select {
	case d.blobMeta <- envelope[ekp.GetLatestBlobMetadataRequest, ekp.GetLatestBlobMetadataReply]{ctx: ctx, req: req, reply: reply}:
	case <-ctx.Done():
		return ekp.GetLatestBlobMetadataReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.reply, r.err
	case <-ctx.Done():
		return ekp.GetLatestBlobMetadataReply{}, ctx.Err()
	}
}

// Halt asks the dispatcher's Run loop to stop accepting new requests and
// return, per spec.md §6's haltEncryptKeyProxy endpoint. It blocks until
// the loop has acknowledged.
func (d *Dispatcher) Halt(ctx context.Context, requesterID string) error {
	ack := make(chan struct{})
	select {
	case d.halt <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		if d.logger != nil {
			d.logger.WithField("requester_id", requesterID).Info("ekp dispatcher halted")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the dispatcher's event loop, per spec.md §4.7 step 4. It starts
// the EKP core loop and both refreshers as errgroup members (the Go
// analogue of the original's supervisor future), spawns every inbound
// request as an independent goroutine without awaiting it, and returns
// when Halt is called or ctx is cancelled. If any errgroup member returns
// a non-nil error — core loop, refresher, or a spawned request handler —
// the whole dispatcher unwinds: per spec.md §4.7 step 4, "if the
// supervisor future completes, the EKP has an internal error."
func (d *Dispatcher) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(runCtx)

	group.Go(func() error { return d.proxy.Run(gctx) })
	group.Go(func() error { return d.proxy.RefreshEncryptionKeys(gctx) })
	group.Go(func() error { return d.proxy.RefreshBlobMetadata(gctx, d.blobGCPolicy) })

	loopErr := d.loop(gctx, group)
	// Stop the core loop, the refreshers and any in-flight request once
	// the event loop has exited, so Wait cannot block after a halt.
	cancel()
	waitErr := group.Wait()

	if loopErr == nil && errors.Is(waitErr, context.Canceled) {
		return nil
	}
	if waitErr != nil {
		return waitErr
	}
	return loopErr
}

func (d *Dispatcher) loop(ctx context.Context, group *errgroup.Group) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ack := <-d.halt:
			close(ack)
			return nil

		case env := <-d.byIDs:
			group.Go(func() error {
				spanCtx, span := tracing.StartRequestSpan(env.ctx, "GetBaseCipherKeysByIds", env.req.DebugID)
				reply, err := d.proxy.GetBaseCipherKeysByIds(spanCtx, env.req)
				tracing.EndRequestSpan(span, len(env.req.Keys), reply.NumHits, reply.Error)
				return deliver(env.reply, reply, err)
			})

		case env := <-d.latest:
			group.Go(func() error {
				spanCtx, span := tracing.StartRequestSpan(env.ctx, "GetLatestBaseCipherKeys", env.req.DebugID)
				reply, err := d.proxy.GetLatestBaseCipherKeys(spanCtx, env.req)
				tracing.EndRequestSpan(span, len(env.req.DomainIDs), reply.NumHits, reply.Error)
				return deliver(env.reply, reply, err)
			})

		case env := <-d.blobMeta:
			group.Go(func() error {
				spanCtx, span := tracing.StartRequestSpan(env.ctx, "GetLatestBlobMetadata", env.req.DebugID)
				reply, err := d.proxy.GetLatestBlobMetadata(spanCtx, env.req)
				tracing.EndRequestSpan(span, len(env.req.DomainIDs), 0, reply.Error)
				return deliver(env.reply, reply, err)
			})
		}
	}
}

// deliver sends the handler's outcome back to the waiting caller. Per
// spec.md §7, client-replyable errors are already packaged into
// reply.Error by the handler with err == nil; a non-nil err here is
// always the fatal kind, so returning it unchanged lets the spawned
// goroutine's errgroup membership propagate it into Run's return value.
func deliver[Reply any](ch chan<- replyOrErr[Reply], reply Reply, err error) error {
	ch <- replyOrErr[Reply]{reply: reply, err: err}
	return err
}
