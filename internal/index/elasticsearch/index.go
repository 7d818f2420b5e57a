// Package esindex stores syllabus documents in Elasticsearch, one index per
// locale and crawl generation, and publishes a generation by moving the
// locale's "-latest" alias onto it.
package esindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/metrics"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// ErrLiveGeneration is returned when dropping the generation behind the alias.
var ErrLiveGeneration = errors.New("generation is live")

// Config holds Elasticsearch connection and naming settings.
type Config struct {
	Addresses  []string
	Username   string
	Password   string
	MaxRetries int
	// Prefixes maps each locale to its index name prefix.
	Prefixes map[syllabus.Locale]string
}

// DefaultPrefixes returns the prefix used for each locale when none is set.
func DefaultPrefixes() map[syllabus.Locale]string {
	return map[syllabus.Locale]string{
		syllabus.LocaleJA: "syllabus-ja",
		syllabus.LocaleEN: "syllabus-en",
	}
}

// NewClient builds an Elasticsearch client. transport may be nil.
func NewClient(cfg Config, transport http.RoundTripper) (*es.Client, error) {
	addresses := make([]string, 0, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
			addr = "http://" + addr
		}
		addresses = append(addresses, addr)
	}
	client, err := es.NewClient(es.Config{
		Addresses:  addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		MaxRetries: cfg.MaxRetries,
		Transport:  transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return client, nil
}

// Index implements syllabus.Index.
type Index struct {
	client   *es.Client
	prefixes map[syllabus.Locale]string
	logger   *zap.Logger
}

// New wraps client.
func New(client *es.Client, prefixes map[syllabus.Locale]string, logger *zap.Logger) *Index {
	merged := DefaultPrefixes()
	for locale, prefix := range prefixes {
		if prefix != "" {
			merged[locale] = prefix
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{client: client, prefixes: merged, logger: logger}
}

// IndexName returns the concrete index of a locale generation.
func (x *Index) IndexName(locale syllabus.Locale, generation string) string {
	return x.prefixes[locale] + "-" + generation
}

// AliasName returns the published alias of a locale.
func (x *Index) AliasName(locale syllabus.Locale) string {
	return x.prefixes[locale] + "-" + syllabus.RevisionLatest
}

// Ensure creates the generation index if it does not exist yet.
func (x *Index) Ensure(ctx context.Context, locale syllabus.Locale, generation string) error {
	name := x.IndexName(locale, generation)
	res, err := x.client.Indices.Exists([]string{name}, x.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return x.publishErr("ensure", locale, generation, err)
	}
	closeBody(res)
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return x.publishErr("ensure", locale, generation, fmt.Errorf("exists %s: %s", name, res.Status()))
	}

	body, err := json.Marshal(createIndexBody())
	if err != nil {
		return fmt.Errorf("encode index body: %w", err)
	}
	res, err = x.client.Indices.Create(name,
		x.client.Indices.Create.WithBody(bytes.NewReader(body)),
		x.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return x.publishErr("ensure", locale, generation, err)
	}
	defer closeBody(res)
	if res.IsError() {
		reason := readError(res)
		// Another worker won the race.
		if strings.Contains(reason, "resource_already_exists_exception") {
			return nil
		}
		return x.publishErr("ensure", locale, generation, fmt.Errorf("create %s: %s", name, reason))
	}
	x.logger.Info("index created", zap.String("index", name))
	return nil
}

type completion struct {
	Input    []string            `json:"input"`
	Contexts map[string][]string `json:"contexts,omitempty"`
}

type document struct {
	syllabus.SubjectEntity
	Completion completion `json:"completion"`
}

func newDocument(entity syllabus.SubjectEntity) document {
	input := make([]string, 0, 1+len(entity.Instructors))
	input = append(input, entity.Title)
	for _, in := range entity.Instructors {
		input = append(input, in.Name)
	}
	return document{
		SubjectEntity: entity,
		Completion:    completion{Input: input, Contexts: suggestContexts(entity.Categories)},
	}
}

func suggestContexts(categories []syllabus.Category) map[string][]string {
	values := map[string]map[string]struct{}{}
	add := func(name, v string) {
		if v == "" {
			return
		}
		if values[name] == nil {
			values[name] = map[string]struct{}{}
		}
		values[name][v] = struct{}{}
	}
	for _, c := range categories {
		add("faculty", c.Faculty)
		add("field", c.Field)
		add("program", c.Program)
		add("category", c.Category)
		add("semester", c.Semester)
		for _, y := range c.Year {
			add("year", strconv.Itoa(y))
		}
	}
	if len(values) == 0 {
		return nil
	}
	out := make(map[string][]string, len(values))
	for name, set := range values {
		list := make([]string, 0, len(set))
		for v := range set {
			list = append(list, v)
		}
		sort.Strings(list)
		out[name] = list
	}
	return out
}

// Upsert writes entity under key, replacing any previous document.
func (x *Index) Upsert(
	ctx context.Context,
	locale syllabus.Locale,
	generation string,
	key int,
	entity syllabus.SubjectEntity,
) error {
	body, err := json.Marshal(newDocument(entity))
	if err != nil {
		return fmt.Errorf("encode subject %d: %w", key, err)
	}
	res, err := x.client.Index(x.IndexName(locale, generation), bytes.NewReader(body),
		x.client.Index.WithDocumentID(strconv.Itoa(key)),
		x.client.Index.WithContext(ctx),
	)
	if err != nil {
		return x.publishErr("upsert", locale, generation, err)
	}
	defer closeBody(res)
	if res.IsError() {
		if rejectedDocument(res.StatusCode) {
			return &syllabus.ValidationError{
				Field:  fmt.Sprintf("%s/%s subject %d", locale, generation, key),
				Reason: "rejected by index mapping: " + readError(res),
			}
		}
		return x.publishErr("upsert", locale, generation, fmt.Errorf("subject %d: %s", key, readError(res)))
	}
	metrics.ObserveDocumentIndexed(string(locale))
	return nil
}

// Publish refreshes the generation and atomically points the alias at it,
// detaching every other generation of the locale in the same request.
func (x *Index) Publish(ctx context.Context, locale syllabus.Locale, generation string) (err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.ObservePublish(string(locale), status)
	}()

	name := x.IndexName(locale, generation)
	res, err := x.client.Indices.Refresh(
		x.client.Indices.Refresh.WithIndex(name),
		x.client.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return x.publishErr("refresh", locale, generation, err)
	}
	if res.IsError() {
		reason := readError(res)
		closeBody(res)
		return x.publishErr("refresh", locale, generation, errors.New(reason))
	}
	closeBody(res)

	alias := x.AliasName(locale)
	actions := map[string]any{
		"actions": []map[string]any{
			{"remove": map[string]any{"index": x.prefixes[locale] + "-*", "alias": alias, "must_exist": false}},
			{"add": map[string]any{"index": name, "alias": alias}},
		},
	}
	body, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encode alias actions: %w", err)
	}
	res, err = x.client.Indices.UpdateAliases(bytes.NewReader(body), x.client.Indices.UpdateAliases.WithContext(ctx))
	if err != nil {
		return x.publishErr("alias", locale, generation, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return x.publishErr("alias", locale, generation, errors.New(readError(res)))
	}
	x.logger.Info("generation published", zap.String("alias", alias), zap.String("index", name))
	return nil
}

// Get reads one subject from the published alias or a specific generation.
func (x *Index) Get(
	ctx context.Context,
	locale syllabus.Locale,
	revision string,
	key int,
) (syllabus.SubjectEntity, error) {
	name := x.AliasName(locale)
	if revision != "" && revision != syllabus.RevisionLatest {
		name = x.IndexName(locale, revision)
	}
	res, err := x.client.Get(name, strconv.Itoa(key), x.client.Get.WithContext(ctx))
	if err != nil {
		return syllabus.SubjectEntity{}, fmt.Errorf("get %s/%d: %w", name, key, err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusNotFound {
		return syllabus.SubjectEntity{}, fmt.Errorf("get %s/%d: %w", name, key, syllabus.ErrNotFound)
	}
	if res.IsError() {
		return syllabus.SubjectEntity{}, fmt.Errorf("get %s/%d: %s", name, key, readError(res))
	}
	var envelope struct {
		Found  bool                   `json:"found"`
		Source syllabus.SubjectEntity `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return syllabus.SubjectEntity{}, fmt.Errorf("decode %s/%d: %w", name, key, err)
	}
	if !envelope.Found {
		return syllabus.SubjectEntity{}, fmt.Errorf("get %s/%d: %w", name, key, syllabus.ErrNotFound)
	}
	return envelope.Source, nil
}

// Generations lists the locale's generation indices, oldest first.
func (x *Index) Generations(ctx context.Context, locale syllabus.Locale) ([]syllabus.Generation, error) {
	prefix := x.prefixes[locale] + "-"
	res, err := x.client.Cat.Indices(
		x.client.Cat.Indices.WithIndex(prefix+"*"),
		x.client.Cat.Indices.WithH("index", "docs.count"),
		x.client.Cat.Indices.WithFormat("json"),
		x.client.Cat.Indices.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s indices: %w", locale, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return nil, fmt.Errorf("list %s indices: %s", locale, readError(res))
	}
	var rows []struct {
		Index     string `json:"index"`
		DocsCount string `json:"docs.count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode %s indices: %w", locale, err)
	}

	live, err := x.liveIndex(ctx, locale)
	if err != nil {
		return nil, err
	}
	out := make([]syllabus.Generation, 0, len(rows))
	for _, row := range rows {
		docs, _ := strconv.ParseInt(row.DocsCount, 10, 64)
		out = append(out, syllabus.Generation{
			Locale:    locale,
			ID:        strings.TrimPrefix(row.Index, prefix),
			Index:     row.Index,
			Documents: docs,
			Live:      row.Index == live,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// liveIndex returns the index behind the locale alias, or "" if unpublished.
func (x *Index) liveIndex(ctx context.Context, locale syllabus.Locale) (string, error) {
	alias := x.AliasName(locale)
	res, err := x.client.Indices.GetAlias(
		x.client.Indices.GetAlias.WithName(alias),
		x.client.Indices.GetAlias.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if res.IsError() {
		return "", fmt.Errorf("resolve alias %s: %s", alias, readError(res))
	}
	var byIndex map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&byIndex); err != nil {
		return "", fmt.Errorf("decode alias %s: %w", alias, err)
	}
	for name := range byIndex {
		return name, nil
	}
	return "", nil
}

// Drop deletes a generation index. The live generation cannot be dropped.
func (x *Index) Drop(ctx context.Context, locale syllabus.Locale, generation string) error {
	name := x.IndexName(locale, generation)
	live, err := x.liveIndex(ctx, locale)
	if err != nil {
		return err
	}
	if live == name {
		return fmt.Errorf("drop %s: %w", name, ErrLiveGeneration)
	}
	res, err := x.client.Indices.Delete([]string{name}, x.client.Indices.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("drop %s: %w", name, syllabus.ErrNotFound)
	}
	if res.IsError() {
		return fmt.Errorf("drop %s: %s", name, readError(res))
	}
	x.logger.Info("generation dropped", zap.String("index", name))
	return nil
}

// rejectedDocument reports client errors that repeat on every retry, such
// as a mapper_parsing_exception after the mapping drifted from the document.
// A missing index and throttling stay retryable.
func rejectedDocument(status int) bool {
	switch status {
	case http.StatusNotFound, http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}

func (x *Index) publishErr(op string, locale syllabus.Locale, generation string, err error) error {
	return &syllabus.PublishError{Op: op, Locale: locale, Generation: generation, Err: err}
}

func readError(res *esapi.Response) string {
	body, err := io.ReadAll(res.Body)
	if err != nil || len(body) == 0 {
		return res.Status()
	}
	return string(body)
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
}
