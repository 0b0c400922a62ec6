package greetings

import (
	"context"

	"go.uber.org/zap"

	"restline/internal/async"
	"restline/internal/data"
	"restline/internal/dispatch"
	"restline/internal/protocol"
)

// KeySpec is the simple long key of a greeting.
var KeySpec = protocol.KeySpec{Kind: protocol.KeySimple, Name: "greetingId", Simple: data.Long()}

type handlers struct {
	store *Store
	log   *zap.Logger
}

// Resource returns the greetings resource definition. The handlers deliberately
// use every invokable shape: direct, promise, task and callback.
func Resource(store *Store, logger *zap.Logger) dispatch.ResourceDef {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{store: store, log: logger.Named("greetings")}
	return dispatch.ResourceDef{
		Name:   ResourceName,
		Schema: Schema,
		Key:    KeySpec,
		Doc:    "Greetings with a tone. Insulting greetings are refused.",
		Methods: []dispatch.MethodDef{
			dispatch.Get(h.get).WithDoc("Reads one greeting."),
			dispatch.BatchGet(h.batchGet).WithMaxBatchSize(MaxBatchSize),
			dispatch.GetAll(h.getAll),
			dispatch.Finder("search", h.search, dispatch.OptionalParam("tone", Tone)).
				WithDoc("Greetings of one tone, or all of them."),
			dispatch.BatchFinder("searchGreetings", Criteria, h.searchGreetings).WithMaxBatchSize(MaxBatchSize),
			dispatch.Create(h.create),
			dispatch.BatchCreate(h.batchCreate).WithMaxBatchSize(MaxBatchSize),
			dispatch.Update(h.update),
			dispatch.PartialUpdate(h.partialUpdate),
			dispatch.Delete(h.delete),
			dispatch.BatchUpdate(h.batchUpdate).WithMaxBatchSize(MaxBatchSize),
			dispatch.BatchPartialUpdate(h.batchPartialUpdate).WithMaxBatchSize(MaxBatchSize),
			dispatch.BatchDelete(h.batchDelete).WithMaxBatchSize(MaxBatchSize),
			dispatch.Action("purge", data.Long(), h.purge).WithDoc("Deletes every greeting and returns the count."),
		},
	}
}

func audit(c *dispatch.Call) Audit {
	return Audit{Actor: c.Actor, RequestID: c.RequestID}
}

func id(k protocol.Key) int64 {
	n, _ := k.Value().(int64)
	return n
}

func (h *handlers) get(ctx context.Context, c *dispatch.Call, key protocol.Key) async.Invokable[*data.Record] {
	return async.Direct(func(ctx context.Context) (*data.Record, error) {
		return h.store.Get(ctx, id(key))
	})
}

func (h *handlers) batchGet(ctx context.Context, c *dispatch.Call, keys []protocol.Key) async.Invokable[*dispatch.KeyedResult[*data.Record]] {
	return async.FromPromise(func(ctx context.Context) *async.Promise[*dispatch.KeyedResult[*data.Record]] {
		p := async.NewPromise[*dispatch.KeyedResult[*data.Record]]()
		go func() {
			ids := make([]int64, len(keys))
			for i, k := range keys {
				ids[i] = id(k)
			}
			found, err := h.store.GetMany(ctx, ids)
			if err != nil {
				p.Reject(err)
				return
			}
			res := dispatch.NewKeyedResult[*data.Record]()
			for _, k := range keys {
				if rec, ok := found[id(k)]; ok {
					res.Put(k, rec)
				}
			}
			p.Resolve(res)
		}()
		return p
	})
}

func (h *handlers) page(ctx context.Context, c *dispatch.Call, tone string) (*dispatch.Collection, error) {
	recs, total, err := h.store.List(ctx, tone, c.Paging.Start, c.Paging.Count)
	if err != nil {
		return nil, err
	}
	return &dispatch.Collection{Elements: recs, Total: total, HasTotal: true}, nil
}

func (h *handlers) getAll(ctx context.Context, c *dispatch.Call) async.Invokable[*dispatch.Collection] {
	return async.Direct(func(ctx context.Context) (*dispatch.Collection, error) {
		return h.page(ctx, c, "")
	})
}

func (h *handlers) search(ctx context.Context, c *dispatch.Call) async.Invokable[*dispatch.Collection] {
	return async.Composable(func(ctx context.Context) *async.Task[*dispatch.Collection] {
		tone := async.Value(c.ParamString("tone"))
		return async.FlatMap(tone, func(tone string) *async.Task[*dispatch.Collection] {
			return async.NewTask("greetings.search", func(ctx context.Context) (*dispatch.Collection, error) {
				return h.page(ctx, c, tone)
			})
		})
	})
}

func (h *handlers) searchGreetings(ctx context.Context, c *dispatch.Call, criteria []*data.Record) async.Invokable[*dispatch.BatchFinderResult] {
	return async.Callback(func(ctx context.Context, done func(*dispatch.BatchFinderResult, error)) {
		go func() {
			res := dispatch.NewBatchFinderResult()
			for i, cr := range criteria {
				col, err := h.page(ctx, c, cr.GetString("tone"))
				switch {
				case err != nil:
					res.Fail(i, err)
				case len(col.Elements) > 0:
					res.Set(i, col)
				}
			}
			done(res, nil)
		}()
	})
}

func (h *handlers) create(ctx context.Context, c *dispatch.Call, entity *data.Record) async.Invokable[*dispatch.CreateResult] {
	return async.Direct(func(ctx context.Context) (*dispatch.CreateResult, error) {
		if insulting(entity) {
			return nil, Insolence()
		}
		n, err := h.store.Create(ctx, audit(c), entity)
		if err != nil {
			return nil, err
		}
		h.log.Debug("greeting created", zap.Int64("id", n), zap.String("request_id", c.RequestID))
		return &dispatch.CreateResult{ID: protocol.SimpleKey(n)}, nil
	})
}

func (h *handlers) batchCreate(ctx context.Context, c *dispatch.Call, entities []*data.Record) async.Invokable[[]async.Outcome[*dispatch.CreateResult]] {
	return async.Direct(func(ctx context.Context) ([]async.Outcome[*dispatch.CreateResult], error) {
		out := make([]async.Outcome[*dispatch.CreateResult], 0, len(entities))
		for _, e := range entities {
			if insulting(e) {
				out = append(out, async.Failure[*dispatch.CreateResult](Insolence()))
				continue
			}
			n, err := h.store.Create(ctx, audit(c), e)
			if err != nil {
				out = append(out, async.Failure[*dispatch.CreateResult](err))
				continue
			}
			out = append(out, async.Ok(&dispatch.CreateResult{ID: protocol.SimpleKey(n)}))
		}
		return out, nil
	})
}

func (h *handlers) update(ctx context.Context, c *dispatch.Call, key protocol.Key, entity *data.Record) async.Invokable[dispatch.Status] {
	return async.Direct(func(ctx context.Context) (dispatch.Status, error) {
		return 0, h.store.Update(ctx, audit(c), id(key), entity)
	})
}

func (h *handlers) partialUpdate(ctx context.Context, c *dispatch.Call, key protocol.Key, patch data.Patch) async.Invokable[dispatch.Status] {
	return async.Composable(func(ctx context.Context) *async.Task[dispatch.Status] {
		return async.NewTask("greetings.patch", func(ctx context.Context) (dispatch.Status, error) {
			return 0, h.store.Patch(ctx, audit(c), id(key), patch)
		})
	})
}

func (h *handlers) delete(ctx context.Context, c *dispatch.Call, key protocol.Key) async.Invokable[dispatch.Status] {
	return async.Direct(func(ctx context.Context) (dispatch.Status, error) {
		return 0, h.store.Delete(ctx, audit(c), id(key))
	})
}

func (h *handlers) batchUpdate(ctx context.Context, c *dispatch.Call, items []dispatch.KeyedEntity) async.Invokable[*dispatch.KeyedResult[dispatch.Status]] {
	return async.Direct(func(ctx context.Context) (*dispatch.KeyedResult[dispatch.Status], error) {
		res := dispatch.NewKeyedResult[dispatch.Status]()
		for _, it := range items {
			if err := h.store.Update(ctx, audit(c), id(it.Key), it.Entity); err != nil {
				res.Fail(it.Key, err)
				continue
			}
			res.Put(it.Key, 0)
		}
		return res, nil
	})
}

func (h *handlers) batchPartialUpdate(ctx context.Context, c *dispatch.Call, items []dispatch.KeyedPatch) async.Invokable[*dispatch.KeyedResult[dispatch.Status]] {
	return async.Direct(func(ctx context.Context) (*dispatch.KeyedResult[dispatch.Status], error) {
		res := dispatch.NewKeyedResult[dispatch.Status]()
		for _, it := range items {
			if err := h.store.Patch(ctx, audit(c), id(it.Key), it.Patch); err != nil {
				res.Fail(it.Key, err)
				continue
			}
			res.Put(it.Key, 0)
		}
		return res, nil
	})
}

func (h *handlers) batchDelete(ctx context.Context, c *dispatch.Call, keys []protocol.Key) async.Invokable[*dispatch.KeyedResult[dispatch.Status]] {
	return async.Direct(func(ctx context.Context) (*dispatch.KeyedResult[dispatch.Status], error) {
		res := dispatch.NewKeyedResult[dispatch.Status]()
		for _, k := range keys {
			if err := h.store.Delete(ctx, audit(c), id(k)); err != nil {
				res.Fail(k, err)
				continue
			}
			res.Put(k, 0)
		}
		return res, nil
	})
}

func (h *handlers) purge(ctx context.Context, c *dispatch.Call) async.Invokable[dispatch.ActionResult] {
	return async.Direct(func(ctx context.Context) (dispatch.ActionResult, error) {
		n, err := h.store.Purge(ctx, audit(c))
		if err != nil {
			return dispatch.ActionResult{}, err
		}
		h.log.Info("greetings purged", zap.Int64("count", n), zap.String("actor", c.Actor))
		return dispatch.ActionResult{Value: n}, nil
	})
}
