package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	es "github.com/opensearch-project/opensearch-go/v2"
	esapi "github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chenweiqiao/toutiao/models"
)

// OpenSearch implements Index against an opensearch cluster. One index
// holds every document kind; the kind travels in the document id and as a
// filterable field.
type OpenSearch struct {
	escli *es.Client
	index string
	log   *slog.Logger
}

type OpenSearchConfig struct {
	URL      string
	Index    string
	Username string
	Password string
}

func NewOpenSearch(cfg OpenSearchConfig) (*OpenSearch, error) {
	escli, err := es.NewClient(es.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{MaxIdleConnsPerHost: 10},
	})
	if err != nil {
		return nil, fmt.Errorf("creating opensearch client: %w", err)
	}
	info, err := escli.Info()
	if err != nil {
		return nil, fmt.Errorf("opensearch not reachable: %w", err)
	}
	defer info.Body.Close()

	return &OpenSearch{
		escli: escli,
		index: cfg.Index,
		log:   slog.With("source", "search"),
	}, nil
}

func (o *OpenSearch) Upsert(ctx context.Context, doc *Document) error {
	ctx, span := tracer.Start(ctx, "indexDoc")
	defer span.End()
	span.SetAttributes(attribute.String("doc_id", doc.DocID()))

	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      o.index,
		DocumentID: doc.DocID(),
		Body:       bytes.NewReader(b),
	}
	res, err := req.Do(ctx, o.escli)
	if err != nil {
		return fmt.Errorf("failed to send indexing request: %w", err)
	}
	return o.drain(res, "index", doc.DocID())
}

func (o *OpenSearch) Delete(ctx context.Context, kind int, id int64) error {
	ctx, span := tracer.Start(ctx, "deleteDoc")
	defer span.End()

	req := esapi.DeleteRequest{
		Index:      o.index,
		DocumentID: docID(kind, id),
	}
	res, err := req.Do(ctx, o.escli)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	// deleting an absent document is fine under job replay
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil
	}
	return o.drain(res, "delete", docID(kind, id))
}

func (o *OpenSearch) Search(ctx context.Context, q string, page int) (*Result, error) {
	ctx, span := tracer.Start(ctx, "searchDocs")
	defer span.End()
	span.SetAttributes(attribute.String("query", q))

	if page < 1 {
		page = 1
	}
	query := map[string]any{
		"from": models.PageSize * (page - 1),
		"size": models.PageSize,
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  q,
				"fields": []string{"title^10", "tags^5", "content"},
			},
		},
	}
	b, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	res, err := o.escli.Search(
		o.escli.Search.WithContext(ctx),
		o.escli.Search.WithIndex(o.index),
		o.escli.Search.WithBody(bytes.NewBuffer(b)),
	)
	if err != nil {
		return nil, fmt.Errorf("search query error: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		raw, rerr := io.ReadAll(res.Body)
		if rerr == nil {
			o.log.Warn("search query error", "resp", string(raw), "status_code", res.StatusCode)
		}
		return nil, fmt.Errorf("search query error, code=%d", res.StatusCode)
	}

	var out esSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	result := &Result{Total: int64(out.Hits.Total.Value)}
	for _, hit := range out.Hits.Hits {
		var doc Document
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			o.log.Warn("skipping undecodable search hit", "id", hit.ID, "err", err)
			continue
		}
		result.IDs = append(result.IDs, doc.ID)
	}
	queries.Inc()
	return result, nil
}

// drain consumes and closes a response, surfacing opensearch-side errors.
func (o *OpenSearch) drain(res *esapi.Response, op, id string) error {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read indexing response: %w", err)
	}
	if res.IsError() {
		o.log.Warn("opensearch error", "op", op, "doc_id", id,
			"status_code", strconv.Itoa(res.StatusCode), "body", string(body))
		return fmt.Errorf("indexing error, code=%d", res.StatusCode)
	}
	return nil
}

type esSearchHit struct {
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

type esSearchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []esSearchHit `json:"hits"`
	} `json:"hits"`
}
