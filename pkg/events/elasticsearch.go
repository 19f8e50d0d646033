package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchConfig holds configuration options for the milestone indexer
type ElasticsearchConfig struct {
	URL         string
	Username    string
	Password    string
	IndexPrefix string
}

const milestoneMapping = `{
	"mappings": {
		"properties": {
			"id": { "type": "keyword" },
			"type": { "type": "keyword" },
			"escrow_id": { "type": "keyword" },
			"milestone": { "type": "keyword" },
			"status": { "type": "keyword" },
			"actor_type": { "type": "keyword" },
			"actor_id": { "type": "keyword" },
			"description": { "type": "text" },
			"buyer_id": { "type": "keyword" },
			"seller_id": { "type": "keyword" },
			"amount": { "type": "long" },
			"xcoin_amount": { "type": "long" },
			"occurred_at": { "type": "date" }
		}
	}
}`

// ElasticsearchIndexer keeps a searchable copy of the milestone audit log. The
// database log stays the source of truth; the index is for support tooling.
type ElasticsearchIndexer struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticsearchIndexer creates an indexer. Call EnsureIndex before publishing.
func NewElasticsearchIndexer(config ElasticsearchConfig) (*ElasticsearchIndexer, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{config.URL},
	}

	// Add authentication if provided
	if config.Username != "" && config.Password != "" {
		cfg.Username = config.Username
		cfg.Password = config.Password
	}

	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating Elasticsearch client: %w", err)
	}

	prefix := config.IndexPrefix
	if prefix == "" {
		prefix = "tradevault"
	}

	return &ElasticsearchIndexer{
		client: client,
		index:  prefix + "_escrow_milestones",
	}, nil
}

// Index returns the name of the milestone index
func (i *ElasticsearchIndexer) Index() string {
	return i.index
}

// EnsureIndex creates the milestone index if it doesn't exist
func (i *ElasticsearchIndexer) EnsureIndex(ctx context.Context) error {
	res, err := i.client.Indices.Exists([]string{i.index}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error checking if milestone index exists: %w", err)
	}
	res.Body.Close()

	if res.StatusCode != 404 {
		return nil
	}

	req := esapi.IndicesCreateRequest{
		Index: i.index,
		Body:  bytes.NewReader([]byte(milestoneMapping)),
	}
	res, err = req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("error creating milestone index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error creating milestone index: %s", res.String())
	}
	return nil
}

// Publish implements Publisher. The milestone id is the document id, so a
// redelivered event overwrites instead of duplicating.
func (i *ElasticsearchIndexer) Publish(ctx context.Context, event MilestoneEvent) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error marshaling milestone event: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      i.index,
		DocumentID: event.ID,
		Body:       bytes.NewReader(jsonData),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("error indexing milestone event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error indexing milestone event: %s", res.String())
	}
	return nil
}
