// Package firestore provides a vector store backed by Google Cloud Firestore.
//
// Every namespace is a subcollection under one document of the configured
// root collection:
//
//	<collection>/<namespace key>/documents/<document id>
//
// Embeddings are stored as Firestore vectors. Search streams the namespace's
// documents (narrowed by metadata equality filters on the server) and ranks
// them by cosine similarity in process, which suits the per-session
// namespaces the memory layer writes.
package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aixgo-dev/chatengine/pkg/vectorstore"
)

const documentsCollection = "documents"

// Store implements vectorstore.VectorStore on Firestore.
type Store struct {
	client        *firestore.Client
	root          string
	defaultTopK   int
	embeddingDims int
}

func init() {
	vectorstore.Register("firestore", New)
}

// record is the stored shape of a document. The document ID is the
// Firestore document name.
type record struct {
	Content   string             `firestore:"content"`
	Embedding firestore.Vector32 `firestore:"embedding"`
	Metadata  map[string]string  `firestore:"metadata,omitempty"`
	CreatedAt time.Time          `firestore:"created_at"`
}

// New connects to Firestore using the config's project and credentials.
func New(config vectorstore.Config) (vectorstore.VectorStore, error) {
	if config.EmbeddingDimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be greater than 0, got %d", config.EmbeddingDimensions)
	}
	fc := config.Firestore
	if fc == nil {
		fc = &vectorstore.FirestoreConfig{Collection: "chatengine_vectors"}
	}

	projectID := fc.ProjectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	var opts []option.ClientOption
	if fc.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(fc.CredentialsFile))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		client *firestore.Client
		err    error
	)
	if fc.DatabaseID != "" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, fc.DatabaseID, opts...)
	} else {
		client, err = firestore.NewClient(ctx, projectID, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	return NewWithClient(client, fc.Collection, config.EmbeddingDimensions, config.DefaultTopK), nil
}

// NewWithClient wraps an existing client. The store closes the client on
// Close.
func NewWithClient(client *firestore.Client, collection string, dims, defaultTopK int) *Store {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &Store{
		client:        client,
		root:          collection,
		defaultTopK:   defaultTopK,
		embeddingDims: dims,
	}
}

// namespaceKey maps a namespace to a valid document name. Namespaces may hold
// characters Firestore reserves, such as '/' or a leading "__".
func namespaceKey(namespace string) string {
	return "ns_" + base64.RawURLEncoding.EncodeToString([]byte(namespace))
}

func (s *Store) namespace(namespace string) *firestore.CollectionRef {
	return s.client.Collection(s.root).Doc(namespaceKey(namespace)).Collection(documentsCollection)
}

// Upsert writes documents with a BulkWriter. Existing documents are replaced.
func (s *Store) Upsert(ctx context.Context, namespace string, documents []vectorstore.Document) error {
	if err := vectorstore.ValidateNamespace(namespace); err != nil {
		return err
	}
	if len(documents) == 0 {
		return nil
	}
	for i := range documents {
		d := &documents[i]
		if err := vectorstore.ValidateDocument(d); err != nil {
			return fmt.Errorf("invalid document at index %d: %w", i, err)
		}
		if len(d.Embedding) != s.embeddingDims {
			return fmt.Errorf("document %s embedding dimension mismatch: expected %d, got %d",
				d.ID, s.embeddingDims, len(d.Embedding))
		}
	}

	col := s.namespace(namespace)
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(documents))
	for _, d := range documents {
		job, err := bw.Set(col.Doc(d.ID), toRecord(d))
		if err != nil {
			bw.End()
			return fmt.Errorf("queue document %s: %w", d.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	return awaitJobs(jobs, "write")
}

// Search ranks the namespace's documents by cosine similarity to the query.
func (s *Store) Search(ctx context.Context, namespace string, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if query.TopK == 0 {
		query.TopK = s.defaultTopK
	}
	if err := vectorstore.ValidateSearchQuery(&query); err != nil {
		return nil, fmt.Errorf("invalid search query: %w", err)
	}

	// TODO: switch to Query.FindNearest once deployments provision a vector
	// index on documents.embedding.
	q := s.namespace(namespace).Query
	keys := make([]string, 0, len(query.Where))
	for k := range query.Where {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		q = q.WherePath(firestore.FieldPath{"metadata", k}, "==", query.Where[k])
	}

	var results []vectorstore.SearchResult
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query namespace: %w", err)
		}
		doc, err := fromSnapshot(snap)
		if err != nil {
			log.Printf("[FIRESTORE] Skipping unreadable document %s: %v", snap.Ref.ID, err)
			continue
		}
		if len(doc.Embedding) != len(query.Embedding) {
			continue
		}
		results = append(results, vectorstore.SearchResult{
			Document: doc,
			Score:    vectorstore.CosineSimilarity(query.Embedding, doc.Embedding),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > query.TopK {
		results = results[:query.TopK]
	}
	return results, nil
}

// Get fetches documents by ID, skipping those that do not exist.
func (s *Store) Get(ctx context.Context, namespace string, ids []string) ([]vectorstore.Document, error) {
	col := s.namespace(namespace)
	docs := make([]vectorstore.Document, 0, len(ids))
	for _, id := range ids {
		snap, err := col.Doc(id).Get(ctx)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				continue
			}
			return nil, fmt.Errorf("get document %s: %w", id, err)
		}
		doc, err := fromSnapshot(snap)
		if err != nil {
			return nil, fmt.Errorf("decode document %s: %w", id, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Delete removes documents by ID. Missing documents are not an error.
func (s *Store) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col := s.namespace(namespace)
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(ids))
	for _, id := range ids {
		job, err := bw.Delete(col.Doc(id))
		if err != nil {
			bw.End()
			return fmt.Errorf("queue delete %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	return awaitJobs(jobs, "delete")
}

// DeleteNamespace deletes every document of the namespace. Firestore has no
// collection drop, so the documents are listed and removed in bulk.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob

	iter := s.namespace(namespace).Select().Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return fmt.Errorf("list namespace: %w", err)
		}
		job, err := bw.Delete(snap.Ref)
		if err != nil {
			bw.End()
			return fmt.Errorf("queue delete %s: %w", snap.Ref.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	return awaitJobs(jobs, "delete")
}

// Close closes the Firestore client.
func (s *Store) Close() error {
	return s.client.Close()
}

func awaitJobs(jobs []*firestore.BulkWriterJob, op string) error {
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("bulk %s: %d of %d failed: %w", op, len(errs), len(jobs), errors.Join(errs...))
	}
	return nil
}

func toRecord(d vectorstore.Document) record {
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return record{
		Content:   d.Content,
		Embedding: firestore.Vector32(slices.Clone(d.Embedding)),
		Metadata:  d.Metadata,
		CreatedAt: created,
	}
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (vectorstore.Document, error) {
	var r record
	if err := snap.DataTo(&r); err != nil {
		return vectorstore.Document{}, err
	}
	return vectorstore.Document{
		ID:        snap.Ref.ID,
		Content:   r.Content,
		Embedding: []float32(r.Embedding),
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
	}, nil
}
