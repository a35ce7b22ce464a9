// Package vectorizer is an embeddable vector database. It stores dense
// embeddings, optional sparse term vectors and JSON payloads in named
// collections, and answers nearest-neighbor, BM25 and hybrid queries
// over them.
//
// Dense retrieval runs on an HNSW graph with cosine, euclidean or dot
// product distance. Vectors can be quantized (scalar, product or
// binary) to trade recall for memory. Sparse retrieval scores with
// BM25, and hybrid queries fuse both legs with reciprocal rank fusion,
// weighted sums or alpha blending.
//
// Collections are owned by tenants and persisted as compressed,
// checksummed archive files. A background loop flushes dirty
// collections, compacts those with too many tombstones and keeps a
// bounded set of snapshots, optionally offloaded to object storage.
//
// Open a database, create a collection and search it:
//
//	db, err := vectorizer.Open(vectorizer.WithDataDir("./data"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	coll, err := db.CreateCollection(ctx, model.System, "docs", model.CollectionConfig{
//		Dimension: 384,
//		Metric:    model.DistanceCosine,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	_ = coll.Insert(ctx, &model.Record{ID: "a", Dense: embedding})
//	hits, err := coll.SearchDense(ctx, query, 10)
package vectorizer
