package esindex

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// fakeCluster implements http.RoundTripper with just enough of the
// Elasticsearch REST API for the index lifecycle.
type fakeCluster struct {
	mu       sync.Mutex
	indices  map[string]map[string]json.RawMessage
	bodies   map[string]map[string]any
	aliases  map[string]string
	requests []string
	failOn   string
	// failStatus and failBody shape the injected failure; 500 by default.
	failStatus int
	failBody   string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		indices: map[string]map[string]json.RawMessage{},
		bodies:  map[string]map[string]any{},
		aliases: map[string]string{},
	}
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header: http.Header{
			"X-Elastic-Product": []string{"Elasticsearch"},
			"Content-Type":      []string{"application/json"},
		},
	}
}

func (c *fakeCluster) RoundTrip(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var payload []byte
	if req.Body != nil {
		payload, _ = io.ReadAll(req.Body)
	}
	route := req.Method + " " + req.URL.Path
	c.requests = append(c.requests, route)
	if c.failOn != "" && strings.HasPrefix(route, c.failOn) {
		status, body := c.failStatus, c.failBody
		if status == 0 {
			status, body = http.StatusInternalServerError, `{"error":"injected"}`
		}
		return respond(status, body), nil
	}
	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")

	switch {
	case req.Method == http.MethodPost && req.URL.Path == "/_aliases":
		return c.updateAliases(payload), nil
	case req.Method == http.MethodGet && len(parts) == 3 && parts[0] == "_cat":
		return c.catIndices(parts[2]), nil
	case req.Method == http.MethodGet && len(parts) == 2 && parts[0] == "_alias":
		idx, ok := c.aliases[parts[1]]
		if !ok {
			return respond(http.StatusNotFound, `{"error":"alias missing","status":404}`), nil
		}
		return respond(http.StatusOK, `{"`+idx+`":{"aliases":{"`+parts[1]+`":{}}}}`), nil
	case req.Method == http.MethodHead && len(parts) == 1:
		if _, ok := c.indices[parts[0]]; ok {
			return respond(http.StatusOK, ""), nil
		}
		return respond(http.StatusNotFound, ""), nil
	case req.Method == http.MethodPut && len(parts) == 1:
		if _, ok := c.indices[parts[0]]; ok {
			return respond(http.StatusBadRequest, `{"error":{"type":"resource_already_exists_exception"}}`), nil
		}
		var body map[string]any
		_ = json.Unmarshal(payload, &body)
		c.indices[parts[0]] = map[string]json.RawMessage{}
		c.bodies[parts[0]] = body
		return respond(http.StatusOK, `{"acknowledged":true}`), nil
	case req.Method == http.MethodDelete && len(parts) == 1:
		if _, ok := c.indices[parts[0]]; !ok {
			return respond(http.StatusNotFound, `{"error":{"type":"index_not_found_exception"}}`), nil
		}
		delete(c.indices, parts[0])
		return respond(http.StatusOK, `{"acknowledged":true}`), nil
	case req.Method == http.MethodPost && len(parts) == 2 && parts[1] == "_refresh":
		if _, ok := c.indices[parts[0]]; !ok {
			return respond(http.StatusNotFound, `{"error":{"type":"index_not_found_exception"}}`), nil
		}
		return respond(http.StatusOK, `{}`), nil
	case len(parts) == 3 && parts[1] == "_doc":
		return c.document(req.Method, c.resolve(parts[0]), parts[2], payload), nil
	}
	return respond(http.StatusBadRequest, `{"error":"unsupported `+route+`"}`), nil
}

func (c *fakeCluster) resolve(name string) string {
	if idx, ok := c.aliases[name]; ok {
		return idx
	}
	return name
}

func (c *fakeCluster) document(method, index, id string, payload []byte) *http.Response {
	docs, ok := c.indices[index]
	if !ok {
		return respond(http.StatusNotFound, `{"error":{"type":"index_not_found_exception"}}`)
	}
	switch method {
	case http.MethodPut, http.MethodPost:
		docs[id] = json.RawMessage(payload)
		return respond(http.StatusCreated, `{"result":"created"}`)
	default:
		doc, ok := docs[id]
		if !ok {
			return respond(http.StatusNotFound, `{"found":false}`)
		}
		return respond(http.StatusOK, `{"found":true,"_id":"`+id+`","_source":`+string(doc)+`}`)
	}
}

func (c *fakeCluster) catIndices(pattern string) *http.Response {
	prefix := strings.TrimSuffix(pattern, "*")
	type row struct {
		Index     string `json:"index"`
		DocsCount string `json:"docs.count"`
	}
	rows := []row{}
	for name, docs := range c.indices {
		if strings.HasPrefix(name, prefix) {
			rows = append(rows, row{Index: name, DocsCount: itoa(len(docs))})
		}
	}
	raw, _ := json.Marshal(rows)
	return respond(http.StatusOK, string(raw))
}

func (c *fakeCluster) updateAliases(payload []byte) *http.Response {
	var req struct {
		Actions []map[string]struct {
			Index string `json:"index"`
			Alias string `json:"alias"`
		} `json:"actions"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return respond(http.StatusBadRequest, `{"error":"bad body"}`)
	}
	next := map[string]string{}
	for k, v := range c.aliases {
		next[k] = v
	}
	for _, action := range req.Actions {
		if rm, ok := action["remove"]; ok {
			if idx, ok := next[rm.Alias]; ok && strings.HasPrefix(idx, strings.TrimSuffix(rm.Index, "*")) {
				delete(next, rm.Alias)
			}
		}
		if add, ok := action["add"]; ok {
			if _, exists := c.indices[add.Index]; !exists {
				return respond(http.StatusNotFound, `{"error":{"type":"index_not_found_exception"}}`)
			}
			next[add.Alias] = add.Index
		}
	}
	c.aliases = next
	return respond(http.StatusOK, `{"acknowledged":true}`)
}

func itoa(n int) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func newIndex(t *testing.T) (*Index, *fakeCluster) {
	t.Helper()
	cluster := newFakeCluster()
	client, err := NewClient(Config{Addresses: []string{"es.local:9200"}}, cluster)
	require.NoError(t, err)
	return New(client, nil, zap.NewNop()), cluster
}

func sampleEntity(id int, title string) syllabus.SubjectEntity {
	credits := 2
	return syllabus.SubjectEntity{
		ID:          id,
		Title:       title,
		Instructors: []syllabus.Instructor{{Name: "山田 太郎"}},
		Categories: []syllabus.Category{{
			Faculty:  "工芸科学部",
			Semester: "前学期",
			Year:     []int{1, 2},
			Schedule: syllabus.Schedule{Type: syllabus.ScheduleIntensive},
		}},
		Flags:   []syllabus.Flag{},
		Plans:   []syllabus.ClassPlan{},
		Credits: &credits,
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx, cluster := newIndex(t)

	require.NoError(t, idx.Ensure(ctx, syllabus.LocaleJA, "g1"))
	require.NoError(t, idx.Ensure(ctx, syllabus.LocaleJA, "g1"))
	require.Contains(t, cluster.bodies, "syllabus-ja-g1")

	require.NoError(t, idx.Upsert(ctx, syllabus.LocaleJA, "g1", 10, sampleEntity(10, "線形代数")))

	_, err := idx.Get(ctx, syllabus.LocaleJA, syllabus.RevisionLatest, 10)
	require.ErrorIs(t, err, syllabus.ErrNotFound, "unpublished generation must not be visible")

	got, err := idx.Get(ctx, syllabus.LocaleJA, "g1", 10)
	require.NoError(t, err)
	require.Equal(t, sampleEntity(10, "線形代数"), got)

	require.NoError(t, idx.Publish(ctx, syllabus.LocaleJA, "g1"))
	got, err = idx.Get(ctx, syllabus.LocaleJA, syllabus.RevisionLatest, 10)
	require.NoError(t, err)
	require.Equal(t, "線形代数", got.Title)

	require.NoError(t, idx.Ensure(ctx, syllabus.LocaleJA, "g2"))
	require.NoError(t, idx.Upsert(ctx, syllabus.LocaleJA, "g2", 10, sampleEntity(10, "線形代数II")))
	got, err = idx.Get(ctx, syllabus.LocaleJA, syllabus.RevisionLatest, 10)
	require.NoError(t, err)
	require.Equal(t, "線形代数", got.Title, "readers keep seeing g1 until g2 is published")

	require.NoError(t, idx.Publish(ctx, syllabus.LocaleJA, "g2"))
	got, err = idx.Get(ctx, syllabus.LocaleJA, syllabus.RevisionLatest, 10)
	require.NoError(t, err)
	require.Equal(t, "線形代数II", got.Title)

	gens, err := idx.Generations(ctx, syllabus.LocaleJA)
	require.NoError(t, err)
	require.Equal(t, []syllabus.Generation{
		{Locale: syllabus.LocaleJA, ID: "g1", Index: "syllabus-ja-g1", Documents: 1},
		{Locale: syllabus.LocaleJA, ID: "g2", Index: "syllabus-ja-g2", Documents: 1, Live: true},
	}, gens)

	require.ErrorIs(t, idx.Drop(ctx, syllabus.LocaleJA, "g2"), ErrLiveGeneration)
	require.NoError(t, idx.Drop(ctx, syllabus.LocaleJA, "g1"))
	require.ErrorIs(t, idx.Drop(ctx, syllabus.LocaleJA, "g1"), syllabus.ErrNotFound)
}

func TestPublishIsSingleAliasRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx, cluster := newIndex(t)

	require.NoError(t, idx.Ensure(ctx, syllabus.LocaleEN, "g1"))
	cluster.requests = nil
	require.NoError(t, idx.Publish(ctx, syllabus.LocaleEN, "g1"))
	require.Equal(t, []string{"POST /syllabus-en-g1/_refresh", "POST /_aliases"}, cluster.requests)
	require.Equal(t, "syllabus-en-g1", cluster.aliases["syllabus-en-latest"])
}

func TestUpsertStoresCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx, cluster := newIndex(t)

	require.NoError(t, idx.Ensure(ctx, syllabus.LocaleJA, "g1"))
	require.NoError(t, idx.Upsert(ctx, syllabus.LocaleJA, "g1", 7, sampleEntity(7, "解析学")))

	var stored struct {
		ID         int        `json:"id"`
		Completion completion `json:"completion"`
	}
	require.NoError(t, json.Unmarshal(cluster.indices["syllabus-ja-g1"]["7"], &stored))
	require.Equal(t, 7, stored.ID)
	require.Equal(t, []string{"解析学", "山田 太郎"}, stored.Completion.Input)
	require.Equal(t, map[string][]string{
		"faculty":  {"工芸科学部"},
		"semester": {"前学期"},
		"year":     {"1", "2"},
	}, stored.Completion.Contexts)
}

func TestErrorsAreClassified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx, cluster := newIndex(t)

	err := idx.Upsert(ctx, syllabus.LocaleJA, "missing", 1, sampleEntity(1, "x"))
	require.Equal(t, syllabus.KindPublish, syllabus.Kind(err))

	cluster.failOn = "POST /_aliases"
	require.NoError(t, idx.Ensure(ctx, syllabus.LocaleJA, "g1"))
	err = idx.Publish(ctx, syllabus.LocaleJA, "g1")
	var pErr *syllabus.PublishError
	require.ErrorAs(t, err, &pErr)
	require.Equal(t, "alias", pErr.Op)
	require.True(t, syllabus.Retryable(err))
}

func TestUpsertRejectionIsNotRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  syllabus.ErrorKind
		retryable bool
	}{
		{
			name:     "mapping drift",
			status:   http.StatusBadRequest,
			body:     `{"error":{"type":"mapper_parsing_exception","reason":"failed to parse field [credits]"},"status":400}`,
			wantKind: syllabus.KindValidation,
		},
		{
			name:      "throttled",
			status:    http.StatusTooManyRequests,
			body:      `{"error":{"type":"es_rejected_execution_exception"},"status":429}`,
			wantKind:  syllabus.KindPublish,
			retryable: true,
		},
		{
			name:      "cluster error",
			status:    http.StatusServiceUnavailable,
			body:      `{"error":"unavailable"}`,
			wantKind:  syllabus.KindPublish,
			retryable: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			idx, cluster := newIndex(t)
			require.NoError(t, idx.Ensure(ctx, syllabus.LocaleJA, "g1"))
			cluster.mu.Lock()
			cluster.failOn, cluster.failStatus, cluster.failBody = "PUT /syllabus-ja-g1/_doc", tc.status, tc.body
			cluster.mu.Unlock()

			err := idx.Upsert(ctx, syllabus.LocaleJA, "g1", 3, sampleEntity(3, "物理"))
			require.Error(t, err)
			require.Equal(t, tc.wantKind, syllabus.Kind(err))
			require.Equal(t, tc.retryable, syllabus.Retryable(err))
			require.ErrorContains(t, err, tc.body)
		})
	}
}

func TestCreateIndexBody(t *testing.T) {
	t.Parallel()

	body := createIndexBody()
	props := body["mappings"].(map[string]any)["properties"].(map[string]any)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Every field the subject document encodes must be mapped.
	raw, err := json.Marshal(newDocument(syllabus.SubjectEntity{
		TimetableID: "1", CourseID: "c", Credits: new(int), Type: "t", Code: "x", Class: "c",
		Goal: &syllabus.Goal{}, Attachments: []syllabus.Attachment{{Name: "n", Key: "k"}},
	}))
	require.NoError(t, err)
	var encoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &encoded))
	for field := range encoded {
		require.Contains(t, keys, field)
	}

	completionField := props["completion"].(map[string]any)
	require.Equal(t, "kuromoji_completion_index", completionField["analyzer"])
	require.Len(t, completionField["contexts"], len(completionContexts))
}

func TestCustomPrefixes(t *testing.T) {
	t.Parallel()

	idx := New(nil, map[syllabus.Locale]string{syllabus.LocaleEN: "kit-en"}, nil)
	require.Equal(t, "kit-en-g9", idx.IndexName(syllabus.LocaleEN, "g9"))
	require.Equal(t, "kit-en-latest", idx.AliasName(syllabus.LocaleEN))
	require.Equal(t, "syllabus-ja-latest", idx.AliasName(syllabus.LocaleJA))
}
