package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restline/internal/async"
	"restline/internal/config"
	"restline/internal/data"
	"restline/internal/envelope"
	"restline/internal/projection"
	"restline/internal/protocol"
)

var (
	genre       = data.Enum("Genre", "ROCK", "JAZZ", "FOLK")
	artist      = data.MustTyperef("Artist", data.String(), data.Pattern("[a-z]+"))
	albumSchema = data.MustRecord("Album",
		data.Required("id", data.Long()).AsReadOnly(),
		data.Required("title", data.String()),
		data.Required("genre", genre),
		data.Optional("artist", artist),
		data.Optional("year", data.Int()),
	)
	albumCriteria = data.MustRecord("AlbumCriteria", data.Required("genre", genre))
)

type albums struct {
	mu     sync.Mutex
	m      map[int64]*data.Record
	next   int64
	called bool
}

func newAlbums(t *testing.T) *albums {
	a := &albums{m: map[int64]*data.Record{}, next: 1}
	for _, raw := range []map[string]any{
		{"title": "Blue Train", "genre": "JAZZ", "artist": "coltrane", "year": 1957},
		{"title": "Kind of Blue", "genre": "JAZZ", "artist": "davis"},
	} {
		rec, err := data.FromInput(albumSchema, raw)
		require.NoError(t, err)
		a.insert(rec)
	}
	return a
}

func (a *albums) insert(rec *data.Record) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	rec = rec.Clone()
	rec.MustSet("id", id)
	a.m[id] = rec
	return id
}

func (a *albums) lookup(id int64) *data.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m[id]
}

func (a *albums) byGenre(g string) []*data.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*data.Record
	for id := int64(1); id < a.next; id++ {
		if r, ok := a.m[id]; ok && r.GetString("genre") == g {
			out = append(out, r)
		}
	}
	return out
}

func (a *albums) def() ResourceDef {
	return ResourceDef{
		Name:   "albums",
		Schema: albumSchema,
		Key:    protocol.KeySpec{Kind: protocol.KeySimple, Name: "albumId", Simple: data.Long()},
		Methods: []MethodDef{
			Get(func(ctx context.Context, c *Call, key protocol.Key) async.Invokable[*data.Record] {
				a.called = true
				return async.Direct(func(context.Context) (*data.Record, error) {
					return a.lookup(key.Value().(int64)), nil
				})
			}),
			BatchGet(func(ctx context.Context, c *Call, keys []protocol.Key) async.Invokable[*KeyedResult[*data.Record]] {
				return async.FromPromise(func(context.Context) *async.Promise[*KeyedResult[*data.Record]] {
					p := async.NewPromise[*KeyedResult[*data.Record]]()
					res := NewKeyedResult[*data.Record]()
					for _, k := range keys {
						id := k.Value().(int64)
						if id == 666 {
							res.Fail(k, errors.New("boom"))
						} else if r := a.lookup(id); r != nil {
							res.Put(k, r)
						}
					}
					p.Resolve(res)
					return p
				})
			}),
			Finder("byGenre", func(ctx context.Context, c *Call) async.Invokable[*Collection] {
				return async.Composable(func(context.Context) *async.Task[*Collection] {
					return async.NewTask("byGenre", func(context.Context) (*Collection, error) {
						all := a.byGenre(c.ParamString("genre"))
						end := c.Paging.Start + c.Paging.Count
						if end > len(all) {
							end = len(all)
						}
						start := c.Paging.Start
						if start > end {
							start = end
						}
						return &Collection{Elements: all[start:end], Total: len(all), HasTotal: true}, nil
					})
				})
			}, Param("genre", genre)),
			Finder("byArtist", func(ctx context.Context, c *Call) async.Invokable[*Collection] {
				return async.Just(&Collection{}, nil)
			}, Param("artist", artist), OptionalParam("year", data.Int())),
			Finder("nothing", func(ctx context.Context, c *Call) async.Invokable[*Collection] {
				return async.FromPromise(func(context.Context) *async.Promise[*Collection] {
					p := async.NewPromise[*Collection]()
					p.Resolve(nil)
					return p
				})
			}),
			Finder("slow", func(ctx context.Context, c *Call) async.Invokable[*Collection] {
				return async.FromPromise(func(context.Context) *async.Promise[*Collection] {
					return async.NewPromise[*Collection]()
				})
			}),
			Finder("manual", func(ctx context.Context, c *Call) async.Invokable[*Collection] {
				return async.Direct(func(context.Context) (*Collection, error) {
					var out []*data.Record
					for _, r := range a.byGenre("JAZZ") {
						trimmed, err := data.FromInput(albumSchema, projection.Apply(r.Data(), c.Projection).(map[string]any))
						if err != nil {
							return nil, err
						}
						out = append(out, trimmed)
					}
					return &Collection{Elements: out}, nil
				})
			}).WithProjection(projection.Manual),
			BatchFinder("search", albumCriteria, func(ctx context.Context, c *Call, criteria []*data.Record) async.Invokable[*BatchFinderResult] {
				return async.Callback(func(ctx context.Context, done func(*BatchFinderResult, error)) {
					go func() {
						res := NewBatchFinderResult()
						for i, cr := range criteria {
							if found := a.byGenre(cr.GetString("genre")); len(found) > 0 {
								res.Set(i, &Collection{Elements: found})
							}
						}
						done(res, nil)
					}()
				})
			}),
			Create(func(ctx context.Context, c *Call, entity *data.Record) async.Invokable[*CreateResult] {
				return async.Direct(func(context.Context) (*CreateResult, error) {
					id := a.insert(entity)
					return &CreateResult{ID: protocol.SimpleKey(id), Entity: a.lookup(id)}, nil
				})
			}).ReturningEntity(),
			BatchCreate(func(ctx context.Context, c *Call, entities []*data.Record) async.Invokable[[]async.Outcome[*CreateResult]] {
				return async.Direct(func(context.Context) ([]async.Outcome[*CreateResult], error) {
					out := make([]async.Outcome[*CreateResult], 0, len(entities))
					for _, e := range entities {
						out = append(out, async.Ok(&CreateResult{ID: protocol.SimpleKey(a.insert(e))}))
					}
					return out, nil
				})
			}),
			PartialUpdate(func(ctx context.Context, c *Call, key protocol.Key, patch data.Patch) async.Invokable[Status] {
				return async.Direct(func(context.Context) (Status, error) {
					cur := a.lookup(key.Value().(int64))
					if cur == nil {
						return 0, ErrNotFound
					}
					next, err := data.ApplyPatch(cur, patch)
					if err != nil {
						return 0, err
					}
					a.mu.Lock()
					a.m[key.Value().(int64)] = next
					a.mu.Unlock()
					return 0, nil
				})
			}),
			Delete(func(ctx context.Context, c *Call, key protocol.Key) async.Invokable[Status] {
				return async.Direct(func(context.Context) (Status, error) {
					a.mu.Lock()
					defer a.mu.Unlock()
					if _, ok := a.m[key.Value().(int64)]; !ok {
						return 0, ErrNotFound
					}
					delete(a.m, key.Value().(int64))
					return 0, nil
				})
			}),
			BatchDelete(func(ctx context.Context, c *Call, keys []protocol.Key) async.Invokable[*KeyedResult[Status]] {
				return async.Direct(func(context.Context) (*KeyedResult[Status], error) {
					res := NewKeyedResult[Status]()
					a.mu.Lock()
					defer a.mu.Unlock()
					for _, k := range keys {
						if _, ok := a.m[k.Value().(int64)]; ok {
							delete(a.m, k.Value().(int64))
							res.Put(k, 0)
						}
					}
					return res, nil
				})
			}),
			Action("count", data.Long(), func(ctx context.Context, c *Call) async.Invokable[ActionResult] {
				return async.Direct(func(context.Context) (ActionResult, error) {
					return ActionResult{Value: int64(len(a.byGenre(c.ParamString("genre"))))}, nil
				})
			}, Param("genre", genre)),
			Action("noop", nil, func(ctx context.Context, c *Call) async.Invokable[ActionResult] {
				return async.Just(ActionResult{}, nil)
			}),
			Action("explode", nil, func(ctx context.Context, c *Call) async.Invokable[ActionResult] {
				panic("kaboom")
			}),
		},
	}
}

// recorder keeps the last call that went through the dispatcher.
type recorder struct {
	last *Call
}

func (r *recorder) OnRequest(context.Context, *Call) error { return nil }

func (r *recorder) OnResponse(_ context.Context, c *Call, _ *envelope.Response) { r.last = c }

type fixture struct {
	d   *Dispatcher
	a   *albums
	rec *recorder
}

func newFixture(t *testing.T, methods config.Methods, filters ...Filter) *fixture {
	t.Helper()
	a := newAlbums(t)
	reg, err := NewRegistry(a.def())
	require.NoError(t, err)
	rec := &recorder{}
	engine := async.NewEngine(4, nil)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	d := New(reg, Options{Engine: engine, Methods: methods, Filters: append(filters, rec)})
	return &fixture{d: d, a: a, rec: rec}
}

func (f *fixture) do(t *testing.T, verb, target string, body any, headers ...string) *envelope.Response {
	t.Helper()
	path, rawQuery, _ := strings.Cut(target, "?")
	q, err := protocol.ParseQuery(rawQuery)
	require.NoError(t, err)
	h := http.Header{}
	h.Set(protocol.HeaderProtocolVersion, "2.0.0")
	for i := 0; i+1 < len(headers); i += 2 {
		h.Set(headers[i], headers[i+1])
	}
	f.rec.last = nil
	return f.d.Handle(context.Background(), &Request{Verb: verb, Path: path, Query: q, Headers: h, Body: body, RequestID: "req-1"})
}

func body(t *testing.T, r *envelope.Response) map[string]any {
	t.Helper()
	m, ok := r.Body.(map[string]any)
	require.True(t, ok, "body is %T", r.Body)
	return m
}

func TestNewRegistryRejectsBadDefinitions(t *testing.T) {
	base := func() ResourceDef {
		return ResourceDef{Name: "things", Schema: albumSchema,
			Key: protocol.KeySpec{Kind: protocol.KeySimple, Simple: data.Long()}}
	}
	getAll := GetAll(func(context.Context, *Call) async.Invokable[*Collection] { return async.Just(&Collection{}, nil) })
	cases := map[string]func(d *ResourceDef){
		"no schema":   func(d *ResourceDef) { d.Schema = nil },
		"bad key":     func(d *ResourceDef) { d.Key = protocol.KeySpec{Kind: protocol.KeySimple} },
		"wrong type":  func(d *ResourceDef) { m := getAll; m.Type = protocol.MethodGet; d.Methods = []MethodDef{m} },
		"nil handler": func(d *ResourceDef) { d.Methods = []MethodDef{{Type: protocol.MethodGet}} },
		"duplicate":   func(d *ResourceDef) { d.Methods = []MethodDef{getAll, getAll} },
		"unnamed": func(d *ResourceDef) {
			m := getAll
			m.Type = protocol.MethodFinder
			m.Handler = FinderFunc(nil)
			d.Methods = []MethodDef{m}
		},
		"no parent": func(d *ResourceDef) { d.Parent = "missing" },
		"reserved": func(d *ResourceDef) {
			m := getAll
			m.Params = []ParamDef{Param("q", data.String())}
			d.Methods = []MethodDef{m}
		},
		"bad default": func(d *ResourceDef) {
			m := getAll
			m.Params = []ParamDef{{Name: "n", Schema: data.Int(), Default: "x"}}
			d.Methods = []MethodDef{m}
		},
		"no criteria": func(d *ResourceDef) {
			d.Methods = []MethodDef{BatchFinder("s", nil, func(context.Context, *Call, []*data.Record) async.Invokable[*BatchFinderResult] {
				return async.Just(NewBatchFinderResult(), nil)
			})}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			def := base()
			mutate(&def)
			_, err := NewRegistry(def)
			require.Error(t, err)
		})
	}
	_, err := NewRegistry(base(), base())
	require.Error(t, err)

	reg, err := NewRegistry(base())
	require.NoError(t, err)
	def, ok := reg.Resource("things")
	require.True(t, ok)
	assert.Equal(t, "thingsId", def.Key.Name)
}

func TestSubResourceRouting(t *testing.T) {
	parent := ResourceDef{Name: "albums", Schema: albumSchema,
		Key: protocol.KeySpec{Kind: protocol.KeySimple, Name: "albumId", Simple: data.Long()}}
	var seen protocol.Key
	child := ResourceDef{Name: "tracks", Parent: "albums", Schema: albumSchema,
		Key: protocol.KeySpec{Kind: protocol.KeySimple, Name: "trackId", Simple: data.Long()},
		Methods: []MethodDef{Get(func(ctx context.Context, c *Call, key protocol.Key) async.Invokable[*data.Record] {
			seen, _ = c.PathKey("albumId")
			return async.Just(data.NewRecord(albumSchema).MustSet("id", key.Value()).MustSet("title", "t").MustSet("genre", "ROCK"), nil)
		})}}
	reg, err := NewRegistry(child, parent)
	require.NoError(t, err)
	assert.Equal(t, "albums/{albumId}/tracks", reg.Path("tracks"))
	d := New(reg, Options{})

	resp := d.Handle(context.Background(), &Request{Verb: http.MethodGet, Path: "albums/7/tracks/3"})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int64(7), seen.Value())
	assert.Equal(t, int64(3), resp.Body.(map[string]any)["id"])

	resp = d.Handle(context.Background(), &Request{Verb: http.MethodGet, Path: "albums//tracks/3"})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	resp = d.Handle(context.Background(), &Request{Verb: http.MethodGet, Path: "albums/7/covers/3"})
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestGetWithProjection(t *testing.T) {
	f := newFixture(t, config.Methods{AlwaysProjectedFields: map[string][]string{"*.*": {"id"}}})

	resp := f.do(t, http.MethodGet, "albums/1", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Len(t, body(t, resp), 5)
	assert.Equal(t, "2.0.0", resp.Headers.Get(protocol.HeaderProtocolVersion))

	resp = f.do(t, http.MethodGet, "albums/1?fields=title", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"id": int64(1), "title": "Blue Train"}, body(t, resp))

	resp = f.do(t, http.MethodGet, "albums/1?fields=", nil)
	assert.Equal(t, map[string]any{"id": int64(1)}, body(t, resp))

	resp = f.do(t, http.MethodGet, "albums/1?fields=-id,-title", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	got := body(t, resp)
	assert.Len(t, got, 4)
	assert.Equal(t, int64(1), got["id"])
	assert.NotContains(t, got, "title")

	assert.Equal(t, []State{StateReceived, StateKeyValidated, StateParamValidated, StateDispatched, StateCompleted}, f.rec.last.History())
}

func TestGetMissingIs404(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodGet, "albums/99", nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "true", resp.Headers.Get(protocol.HeaderErrorResponse))
	assert.Equal(t, "req-1", body(t, resp)["requestId"])
	assert.Equal(t, StateFailed, f.rec.last.State())
}

func TestDeferredNullIsServerError(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodGet, "albums?q=nothing", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "handler_misuse", body(t, resp)["code"])
}

func TestKeyValidationFailsBeforeHandler(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodGet, "albums/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.False(t, f.a.called)
	assert.Equal(t, []State{StateReceived, StateFailed}, f.rec.last.History())
}

func TestRouting(t *testing.T) {
	f := newFixture(t, config.Methods{})
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "albums?q=nope", nil).Status)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "songs/1", nil).Status)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "albums/1", map[string]any{}).Status)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodGet, "albums/1", nil, protocol.HeaderMethod, "create").Status)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodGet, "albums/1", nil, protocol.HeaderProtocolVersion, "3.0.0").Status)
}

func TestParamValidation(t *testing.T) {
	f := newFixture(t, config.Methods{})

	resp := f.do(t, http.MethodGet, "albums?q=byGenre", nil)
	require.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "Parameter 'genre' is required", body(t, resp)["message"])
	assert.Equal(t, []State{StateReceived, StateKeyValidated, StateFailed}, f.rec.last.History())

	resp = f.do(t, http.MethodGet, "albums?q=byGenre&genre=POLKA", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = f.do(t, http.MethodGet, "albums?q=byArtist&artist=Bad1", nil)
	require.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Contains(t, body(t, resp)["message"], "does not match [a-z]+")

	resp = f.do(t, http.MethodGet, "albums?q=byArtist&artist=good&year=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = f.do(t, http.MethodGet, "albums?q=byArtist&artist=good", nil)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestFinderPaging(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodGet, "albums?q=byGenre&genre=JAZZ&count=1", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	b := body(t, resp)
	assert.Len(t, b["elements"], 1)
	paging := b["paging"].(map[string]any)
	assert.Equal(t, int64(2), paging["total"])
	links := paging["links"].([]any)
	require.Len(t, links, 1)
	assert.Equal(t, "/albums?q=byGenre&genre=JAZZ&start=1&count=1", links[0].(map[string]any)["href"])

	resp = f.do(t, http.MethodGet, "albums?q=byGenre&genre=JAZZ&start=1&count=1&pagingFields=total", nil)
	assert.Equal(t, map[string]any{"total": int64(2)}, body(t, resp)["paging"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "albums?q=byGenre&genre=JAZZ&count=-1", nil).Status)
}

func TestManualProjection(t *testing.T) {
	f := newFixture(t, config.Methods{AlwaysProjectedFields: map[string][]string{"*.*": {"id"}}})
	resp := f.do(t, http.MethodGet, "albums?q=manual&fields=title,genre", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	elems := body(t, resp)["elements"].([]any)
	require.Len(t, elems, 2)
	// The handler projected without the always-projected id.
	assert.Equal(t, map[string]any{"title": "Blue Train", "genre": "JAZZ"}, elems[0])
}

func TestBatchSizeLimit(t *testing.T) {
	f := newFixture(t, config.Methods{MaxBatchSize: map[string]int{"albums.batch_get": 2}})
	resp := f.do(t, http.MethodGet, "albums?ids=List(1,2,3)", nil)
	require.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "The request batch size: 3 is larger than the allowed max batch size: 2 for method: batch_get",
		body(t, resp)["message"])
}

func TestBatchGetIsolatesFailures(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodGet, "albums?ids=List(1,2,99,666)&fields=title", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	b := body(t, resp)
	results := b["results"].(map[string]any)
	errs := b["errors"].(map[string]any)
	assert.Equal(t, map[string]any{"title": "Blue Train"}, results["1"])
	assert.Contains(t, results, "2")
	assert.Equal(t, int64(404), errs["99"].(map[string]any)["status"])
	assert.Equal(t, int64(500), errs["666"].(map[string]any)["status"])
}

func TestBatchGetLegacyIDs(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodGet, "albums?ids=1&ids=2", nil, protocol.HeaderProtocolVersion, "1.0.0")
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Len(t, body(t, resp)["results"], 2)
	assert.Equal(t, "1.0.0", resp.Headers.Get(protocol.HeaderProtocolVersion))
}

func TestBatchFinderSlots(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodGet, "albums?bq=search&criteria=List((genre:FOLK),(genre:JAZZ))", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	elems := body(t, resp)["elements"].([]any)
	require.Len(t, elems, 2)
	first := elems[0].(map[string]any)
	assert.Equal(t, true, first["isError"])
	assert.Equal(t, "The server didn't find any entity for the criteria", first["error"].(map[string]any)["message"])
	second := elems[1].(map[string]any)
	assert.Equal(t, false, second["isError"])
	assert.Len(t, second["elements"], 2)

	resp = f.do(t, http.MethodGet, "albums?bq=search", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, config.Methods{})

	resp := f.do(t, http.MethodPost, "albums", map[string]any{"id": int64(5), "title": "x", "genre": "ROCK"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Equal(t, "Input field validation failure, reason: ERROR :: /id :: ReadOnly field present in a create request",
		body(t, resp)["message"])

	resp = f.do(t, http.MethodPost, "albums", map[string]any{"genre": "ROCK"})
	require.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "Input field validation failure, reason: ERROR :: /title :: field is required but not found and has no default value",
		body(t, resp)["message"])

	resp = f.do(t, http.MethodPost, "albums?fields=title", map[string]any{"title": "Giant Steps", "genre": "JAZZ"})
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "3", resp.Headers.Get(protocol.HeaderID))
	assert.Equal(t, "/albums/3", resp.Headers.Get(protocol.HeaderLocation))
	assert.Equal(t, map[string]any{"title": "Giant Steps"}, body(t, resp))
	assert.NotNil(t, f.a.lookup(3))
}

func TestBatchCreateStatuses(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodPost, "albums", map[string]any{"elements": []any{
		map[string]any{"title": "a", "genre": "ROCK"},
		map[string]any{"title": "b"},
		map[string]any{"title": "c", "genre": "FOLK"},
	}}, protocol.HeaderMethod, "batch_create")
	require.Equal(t, http.StatusOK, resp.Status)
	elems := body(t, resp)["elements"].([]any)
	require.Len(t, elems, 3)
	assert.Equal(t, map[string]any{"status": int64(201), "id": "3"}, elems[0])
	assert.Equal(t, int64(400), elems[1].(map[string]any)["status"])
	assert.Equal(t, map[string]any{"status": int64(201), "id": "4"}, elems[2])
}

func TestPartialUpdateAndDelete(t *testing.T) {
	f := newFixture(t, config.Methods{})

	resp := f.do(t, http.MethodPost, "albums/1", map[string]any{"patch": map[string]any{"$set": map[string]any{"title": "Blue Train (Remastered)"}}})
	require.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, "Blue Train (Remastered)", f.a.lookup(1).GetString("title"))

	resp = f.do(t, http.MethodPost, "albums/1", map[string]any{"patch": map[string]any{"$set": map[string]any{"id": int64(9)}}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)

	resp = f.do(t, http.MethodPost, "albums/1", map[string]any{"patch": map[string]any{"$set": map[string]any{"year": "soon"}}})
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "albums/2", nil).Status)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "albums/2", nil).Status)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "albums/2", nil).Status)
}

func TestBatchDelete(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodDelete, "albums?ids=List(1,5)", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	b := body(t, resp)
	assert.Equal(t, map[string]any{"status": int64(204)}, b["results"].(map[string]any)["1"])
	assert.Contains(t, b["errors"], "5")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "albums", nil).Status)
}

func TestActions(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodPost, "albums?action=count", map[string]any{"genre": "JAZZ"})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"value": int64(2)}, resp.Body)

	resp = f.do(t, http.MethodPost, "albums?action=count", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = f.do(t, http.MethodPost, "albums?action=noop", nil)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Nil(t, resp.Body)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	f := newFixture(t, config.Methods{})
	resp := f.do(t, http.MethodPost, "albums?action=explode", nil)
	require.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Contains(t, body(t, resp)["message"], "kaboom")
	assert.Equal(t, StateFailed, f.rec.last.State())
}

func TestFilterRejects(t *testing.T) {
	deny := RequestFilter(func(_ context.Context, c *Call) error {
		if c.Method.Type == protocol.MethodGet {
			return envelope.Forbidden("no reads")
		}
		return nil
	})
	f := newFixture(t, config.Methods{}, deny)
	resp := f.do(t, http.MethodGet, "albums/1", nil)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.False(t, f.a.called)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "albums?q=byGenre&genre=JAZZ", nil).Status)
}

func TestMethodTimeout(t *testing.T) {
	f := newFixture(t, config.Methods{TimeoutMS: map[string]int{"albums.finder-slow": 20}})
	resp := f.do(t, http.MethodGet, "albums?q=slow", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Equal(t, 404, Classify(ErrNotFound).Status)
	assert.Equal(t, 409, Classify(ErrConflict).Status)
	assert.Equal(t, 504, Classify(context.DeadlineExceeded).Status)
	assert.Equal(t, 500, Classify(async.ErrPrematureRead).Status)
	assert.Equal(t, 400, Classify(protocol.ErrMalformedURI).Status)
	assert.Equal(t, 500, Classify(errors.New("x")).Status)
	se := envelope.Conflict("taken")
	assert.Same(t, se, Classify(se))
}
