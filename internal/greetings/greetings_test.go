package greetings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restline/internal/async"
	"restline/internal/config"
	"restline/internal/db"
	"restline/internal/dispatch"
	"restline/internal/envelope"
	"restline/internal/events"
	"restline/internal/migrate"
	"restline/internal/protocol"
)

type service struct {
	d     *dispatch.Dispatcher
	store *Store
}

func newService(t *testing.T) *service {
	t.Helper()
	conn, err := db.Open(db.Config{Path: db.Memory})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	store := NewStore(conn)
	reg, err := dispatch.NewRegistry(Resource(store, nil))
	require.NoError(t, err)
	engine := async.NewEngine(4, nil)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	d := dispatch.New(reg, dispatch.Options{Engine: engine, Methods: config.Default().Methods})
	return &service{d: d, store: store}
}

func (s *service) do(t *testing.T, verb, target string, body any, headers ...string) *envelope.Response {
	t.Helper()
	path, rawQuery, _ := strings.Cut(target, "?")
	q, err := protocol.ParseQuery(rawQuery)
	require.NoError(t, err)
	h := http.Header{}
	h.Set(protocol.HeaderProtocolVersion, "2.0.0")
	for i := 0; i+1 < len(headers); i += 2 {
		h.Set(headers[i], headers[i+1])
	}
	return s.d.Handle(context.Background(), &dispatch.Request{
		Verb: verb, Path: path, Query: q, Headers: h, Body: body, RequestID: "req-test", Actor: "alice",
	})
}

func (s *service) create(t *testing.T, message, tone string) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "greetings", map[string]any{"message": message, "tone": tone})
	require.Equal(t, http.StatusCreated, resp.Status, "%v", resp.Body)
	return resp.Headers.Get(protocol.HeaderID)
}

func bodyMap(t *testing.T, r *envelope.Response) map[string]any {
	t.Helper()
	m, ok := r.Body.(map[string]any)
	require.True(t, ok, "body is %T", r.Body)
	return m
}

func TestCreateGetAndAudit(t *testing.T) {
	s := newService(t)
	resp := s.do(t, http.MethodPost, "greetings", map[string]any{"message": "hello", "tone": "FRIENDLY", "senderId": "bob"})
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "1", resp.Headers.Get(protocol.HeaderID))
	assert.Equal(t, "/greetings/1", resp.Headers.Get(protocol.HeaderLocation))

	resp = s.do(t, http.MethodGet, "greetings/1", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"id": int64(1), "message": "hello", "tone": "FRIENDLY", "senderId": "bob"}, bodyMap(t, resp))

	resp = s.do(t, http.MethodGet, "greetings/1?fields=message", nil)
	assert.Equal(t, map[string]any{"id": int64(1), "message": "hello"}, bodyMap(t, resp))

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "greetings/9", nil).Status)

	evts, err := events.List(context.Background(), s.store.DB, entityKind, "1", 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "greeting.created", evts[0].Type)
	assert.Equal(t, "alice", evts[0].ActorID)
	assert.Equal(t, "req-test", evts[0].RequestID)
	assert.Equal(t, "hello", evts[0].Payload["message"])
}

func TestInsolentGreetingIsRefused(t *testing.T) {
	s := newService(t)
	resp := s.do(t, http.MethodPost, "greetings", map[string]any{"message": "you fool", "tone": "INSULTING"})
	require.Equal(t, http.StatusNotAcceptable, resp.Status)
	body := bodyMap(t, resp)
	assert.Equal(t, int64(999), body["serviceErrorCode"])
	assert.Equal(t, "I will not tolerate your insolence!", body["message"])
	assert.Equal(t, map[string]any{"reason": "insultingGreeting"}, body["errorDetails"])
	assert.Equal(t, string(envelope.SourceApp), body["errorSource"])
	assert.Equal(t, "not_acceptable", body["code"])
	assert.Equal(t, "restline.ServiceError [HTTP Status:406, serviceErrorCode:999]: I will not tolerate your insolence!", resp.Error.Summary())

	evts, err := events.List(context.Background(), s.store.DB, entityKind, "", 0)
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestInvalidSenderIsRejected(t *testing.T) {
	s := newService(t)
	resp := s.do(t, http.MethodPost, "greetings", map[string]any{"message": "hi", "tone": "FRIENDLY", "senderId": "Bob!"})
	require.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Contains(t, bodyMap(t, resp)["message"], "/senderId")
}

func TestBatchCreateReportsEachElement(t *testing.T) {
	s := newService(t)
	resp := s.do(t, http.MethodPost, "greetings", map[string]any{"elements": []any{
		map[string]any{"message": "hi", "tone": "FRIENDLY"},
		map[string]any{"message": "fool", "tone": "INSULTING"},
		map[string]any{"message": "thanks", "tone": "SINCERE"},
	}}, protocol.HeaderMethod, string(protocol.MethodBatchCreate))
	require.Equal(t, http.StatusOK, resp.Status)
	elems := bodyMap(t, resp)["elements"].([]any)
	require.Len(t, elems, 3)
	assert.Equal(t, map[string]any{"status": int64(201), "id": "1"}, elems[0])
	assert.Equal(t, int64(406), elems[1].(map[string]any)["status"])
	assert.Equal(t, map[string]any{"status": int64(201), "id": "2"}, elems[2])
}

func TestFindersAndPaging(t *testing.T) {
	s := newService(t)
	s.create(t, "hi", "FRIENDLY")
	s.create(t, "thank you", "SINCERE")
	s.create(t, "hey", "FRIENDLY")

	resp := s.do(t, http.MethodGet, "greetings?q=search&tone=FRIENDLY&count=1", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	body := bodyMap(t, resp)
	require.Len(t, body["elements"], 1)
	paging := body["paging"].(map[string]any)
	assert.Equal(t, int64(2), paging["total"])
	assert.Len(t, paging["links"], 1)

	resp = s.do(t, http.MethodGet, "greetings?q=search", nil)
	assert.Equal(t, int64(3), bodyMap(t, resp)["paging"].(map[string]any)["total"])

	resp = s.do(t, http.MethodGet, "greetings?start=2", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	elems := bodyMap(t, resp)["elements"].([]any)
	require.Len(t, elems, 1)
	assert.Equal(t, "hey", elems[0].(map[string]any)["message"])

	resp = s.do(t, http.MethodGet, "greetings?bq=searchGreetings&criteria=List((tone:SINCERE),(tone:INSULTING))", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	slots := bodyMap(t, resp)["elements"].([]any)
	require.Len(t, slots, 2)
	assert.Equal(t, false, slots[0].(map[string]any)["isError"])
	assert.Len(t, slots[0].(map[string]any)["elements"], 1)
	assert.Equal(t, true, slots[1].(map[string]any)["isError"])
	assert.Equal(t, int64(404), slots[1].(map[string]any)["error"].(map[string]any)["status"])
}

func TestBatchGet(t *testing.T) {
	s := newService(t)
	s.create(t, "hi", "FRIENDLY")
	s.create(t, "thanks", "SINCERE")

	resp := s.do(t, http.MethodGet, "greetings?ids=List(1,2,7)&fields=tone", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	body := bodyMap(t, resp)
	results := body["results"].(map[string]any)
	assert.Equal(t, map[string]any{"id": int64(2), "tone": "SINCERE"}, results["2"])
	assert.Contains(t, results, "1")
	assert.Equal(t, int64(404), body["statuses"].(map[string]any)["7"])
}

func TestBatchSizeIsCapped(t *testing.T) {
	s := newService(t)
	ids := make([]string, MaxBatchSize+1)
	for i := range ids {
		ids[i] = fmt.Sprint(i + 1)
	}
	resp := s.do(t, http.MethodGet, "greetings?ids=List("+strings.Join(ids, ",")+")", nil)
	require.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "The request batch size: 51 is larger than the allowed max batch size: 50 for method: batch_get",
		bodyMap(t, resp)["message"])
}

func TestUpdatesAndDeletes(t *testing.T) {
	s := newService(t)
	s.create(t, "hi", "FRIENDLY")
	s.create(t, "thanks", "SINCERE")
	s.create(t, "hey", "FRIENDLY")

	resp := s.do(t, http.MethodPut, "greetings/1", map[string]any{"message": "hello", "tone": "SINCERE"})
	require.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPut, "greetings/9", map[string]any{"message": "x", "tone": "SINCERE"}).Status)

	resp = s.do(t, http.MethodPost, "greetings/2", map[string]any{"patch": map[string]any{"$set": map[string]any{"message": "many thanks"}}})
	require.Equal(t, http.StatusNoContent, resp.Status)
	rec, err := s.store.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "many thanks", rec.GetString("message"))
	assert.Equal(t, "SINCERE", rec.GetString("tone"))

	resp = s.do(t, http.MethodPost, "greetings/2", map[string]any{"patch": map[string]any{"$set": map[string]any{"id": int64(5)}}})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Equal(t, "Input field validation failure, reason: ERROR :: /id :: ReadOnly field present in a partial_update request",
		bodyMap(t, resp)["message"])

	resp = s.do(t, http.MethodPut, "greetings?ids=List(1,3)", map[string]any{"entities": map[string]any{
		"1": map[string]any{"message": "one", "tone": "FRIENDLY"},
		"3": map[string]any{"message": "three", "tone": "NOPE"},
	}})
	require.Equal(t, http.StatusOK, resp.Status)
	body := bodyMap(t, resp)
	assert.Equal(t, int64(204), body["statuses"].(map[string]any)["1"])
	assert.Equal(t, int64(400), body["statuses"].(map[string]any)["3"])

	resp = s.do(t, http.MethodPost, "greetings?ids=List(2,8)", map[string]any{"entities": map[string]any{
		"2": map[string]any{"patch": map[string]any{"$set": map[string]any{"tone": "FRIENDLY"}}},
		"8": map[string]any{"patch": map[string]any{"$set": map[string]any{"tone": "FRIENDLY"}}},
	}})
	require.Equal(t, http.StatusOK, resp.Status)
	body = bodyMap(t, resp)
	assert.Equal(t, int64(204), body["statuses"].(map[string]any)["2"])
	assert.Equal(t, int64(404), body["statuses"].(map[string]any)["8"])

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "greetings/3", nil).Status)
	resp = s.do(t, http.MethodDelete, "greetings?ids=List(1,3)", nil)
	body = bodyMap(t, resp)
	assert.Equal(t, int64(204), body["statuses"].(map[string]any)["1"])
	assert.Equal(t, int64(404), body["statuses"].(map[string]any)["3"])

	evts, err := events.List(context.Background(), s.store.DB, entityKind, "2", 0)
	require.NoError(t, err)
	types := make([]string, len(evts))
	for i, e := range evts {
		types[i] = e.Type
	}
	assert.Equal(t, []string{"greeting.created", "greeting.patched", "greeting.patched"}, types)
}

func TestPurgeAction(t *testing.T) {
	s := newService(t)
	s.create(t, "hi", "FRIENDLY")
	s.create(t, "thanks", "SINCERE")

	resp := s.do(t, http.MethodPost, "greetings?action=purge", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"value": int64(2)}, resp.Body)

	resp = s.do(t, http.MethodGet, "greetings", nil)
	assert.Equal(t, int64(0), bodyMap(t, resp)["paging"].(map[string]any)["total"])
}
