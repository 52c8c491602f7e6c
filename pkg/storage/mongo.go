package storage

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps each table as a collection; documents are the stored
// records with the primary key mirrored into _id for idempotent upserts.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// NewMongo connects to the mongodb instance at dsn. The database name comes
// from the connection string path, falling back to "cabana".
func NewMongo(ctx context.Context, dsn string, logger *slog.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, NewError("mongo", "connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, NewError("mongo", "ping", err)
	}

	dbName := "cabana"
	if cs, err := connstringDatabase(dsn); err == nil && cs != "" {
		dbName = cs
	}

	logger.Info("Storage ready", "backend", "mongo", "database", dbName)
	return &MongoStore{client: client, db: client.Database(dbName), logger: logger}, nil
}

// connstringDatabase extracts the database segment of a mongodb URI.
func connstringDatabase(dsn string) (string, error) {
	rest, ok := strings.CutPrefix(dsn, "mongodb://")
	if !ok {
		rest, ok = strings.CutPrefix(dsn, "mongodb+srv://")
		if !ok {
			return "", errors.New("not a mongodb uri")
		}
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		db := rest[idx+1:]
		if q := strings.IndexByte(db, '?'); q >= 0 {
			db = db[:q]
		}
		return db, nil
	}
	return "", nil
}

func (s *MongoStore) SaveToken(ctx context.Context, name string, data []byte) error {
	return s.Insert(ctx, TableTokens, map[string]any{"name": name, "data": data}, true)
}

func (s *MongoStore) LoadToken(ctx context.Context, name string) ([]byte, error) {
	return s.loadBlob(ctx, TableTokens, name)
}

func (s *MongoStore) SaveQueue(ctx context.Context, name string, data []byte) error {
	return s.Insert(ctx, TableQueues, map[string]any{"name": name, "data": data}, true)
}

func (s *MongoStore) LoadQueue(ctx context.Context, name string) ([]byte, error) {
	return s.loadBlob(ctx, TableQueues, name)
}

func (s *MongoStore) loadBlob(ctx context.Context, table, name string) ([]byte, error) {
	var doc bson.M
	err := s.db.Collection(table).FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, NewError("mongo", "load "+table, err)
	}
	data, _ := doc["data"].(string)
	return []byte(data), nil
}

func (s *MongoStore) Insert(ctx context.Context, table string, record map[string]any, upsert bool) error {
	table = sanitize(table)
	rec, err := textRecord(record)
	if err != nil {
		return NewError("mongo", "insert "+table, err)
	}
	cols := sortedColumns(rec)
	if len(cols) == 0 {
		return NewError("mongo", "insert "+table, errors.New("empty record"))
	}
	pk := primaryKey(table, cols)

	doc := bson.M{"_id": rec[pk]}
	for col, v := range rec {
		doc[col] = v
	}

	if upsert {
		_, err = s.db.Collection(table).ReplaceOne(ctx,
			bson.M{"_id": rec[pk]}, doc, options.Replace().SetUpsert(true))
	} else {
		_, err = s.db.Collection(table).InsertOne(ctx, doc)
	}
	if err != nil {
		return NewError("mongo", "insert "+table, err)
	}
	return nil
}

func (s *MongoStore) Query(ctx context.Context, table, where string, params ...any) ([]map[string]string, error) {
	table = sanitize(table)
	filter, err := s.filter(table, where, params)
	if err != nil {
		return nil, err
	}

	cursor, err := s.db.Collection(table).Find(ctx, filter)
	if err != nil {
		return nil, NewError("mongo", "query "+table, err)
	}
	defer cursor.Close(ctx)

	var out []map[string]string
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, NewError("mongo", "query "+table, err)
		}
		out = append(out, recordFromDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, NewError("mongo", "query "+table, err)
	}
	sort.Slice(out, func(i, j int) bool {
		return recordKey(out[i]) < recordKey(out[j])
	})
	return out, nil
}

func (s *MongoStore) Delete(ctx context.Context, table, where string, params ...any) error {
	table = sanitize(table)
	filter, err := s.filter(table, where, params)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(table).DeleteMany(ctx, filter); err != nil {
		return NewError("mongo", "delete "+table, err)
	}
	return nil
}

func (s *MongoStore) CleanUp(ctx context.Context, maxAge time.Duration) (int64, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return 0, NewError("mongo", "clean up", err)
	}

	cutoff := cutoffEpoch(maxAge)
	var removed int64
	for _, table := range names {
		if isFixedTable(table) {
			continue
		}
		cursor, err := s.db.Collection(table).Find(ctx, bson.M{},
			options.Find().SetProjection(bson.M{"timestamp": 1}))
		if err != nil {
			return removed, NewError("mongo", "clean up "+table, err)
		}
		var doomed []any
		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				continue
			}
			raw, _ := doc["timestamp"].(string)
			ts, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			if ts < cutoff {
				doomed = append(doomed, doc["_id"])
			}
		}
		_ = cursor.Close(ctx)
		if len(doomed) == 0 {
			continue
		}
		res, err := s.db.Collection(table).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": doomed}})
		if err != nil {
			return removed, NewError("mongo", "clean up "+table, err)
		}
		removed += res.DeletedCount
	}
	return removed, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) filter(table, where string, params []any) (bson.M, error) {
	conds, err := parseWhere(where, params)
	if err != nil {
		return nil, NewError("mongo", "query "+table, err)
	}
	filter := bson.M{}
	for _, c := range conds {
		filter[c.col] = c.val
	}
	return filter, nil
}

func recordFromDoc(doc bson.M) map[string]string {
	rec := make(map[string]string, len(doc))
	for col, v := range doc {
		if col == "_id" {
			continue
		}
		if text, ok := v.(string); ok {
			rec[col] = text
		}
	}
	return rec
}

// recordKey mirrors primaryKey for sorting query results deterministically.
func recordKey(rec map[string]string) string {
	if id, ok := rec["message_id"]; ok {
		return id
	}
	if name, ok := rec["name"]; ok {
		return name
	}
	cols := sortedColumns(rec)
	if len(cols) == 0 {
		return ""
	}
	return rec[cols[0]]
}
