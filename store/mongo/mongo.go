// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package mongo is a reference Store adapter persisting
// workflows/resources/history to MongoDB, one collection per entity.
package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaycore/gateway/store"
	"github.com/relaycore/gateway/workflow"
)

// Store implements store.Store over the official mongo-driver.
type Store struct {
	workflows *mongo.Collection
	resources *mongo.Collection
	counters  *mongo.Collection
}

// Connect dials uri and returns a Store bound to the named database's
// "workflows", "resources", and "counters" collections.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	db := client.Database(database)
	return &Store{
		workflows: db.Collection("workflows"),
		resources: db.Collection("resources"),
		counters:  db.Collection("counters"),
	}, nil
}

// New wraps already-connected collections, e.g. from a test harness.
func New(workflows, resources, counters *mongo.Collection) *Store {
	return &Store{workflows: workflows, resources: resources, counters: counters}
}

type workflowDoc struct {
	ID string `bson:"_id"`
	workflow.Workflow `bson:",inline"`
}

type resourceDoc struct {
	ID string `bson:"_id"`
	workflow.Resource `bson:",inline"`
}

func (s *Store) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	doc := workflowDoc{ID: w.ID, Workflow: *w}
	_, err := s.workflows.ReplaceOne(ctx, bson.M{"_id": w.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) LoadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var doc workflowDoc
	err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w := doc.Workflow
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	cur, err := s.workflows.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*workflow.Workflow
	for cur.Next(ctx) {
		var doc workflowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		w := doc.Workflow
		out = append(out, &w)
	}
	return out, cur.Err()
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.workflows.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SaveResource(ctx context.Context, r *workflow.Resource) error {
	doc := resourceDoc{ID: r.ID, Resource: *r}
	_, err := s.resources.ReplaceOne(ctx, bson.M{"_id": r.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) LoadResource(ctx context.Context, id string) (*workflow.Resource, error) {
	var doc resourceDoc
	err := s.resources.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r := doc.Resource
	return &r, nil
}

func (s *Store) ListResources(ctx context.Context, workflowID string, state string) ([]*workflow.Resource, error) {
	filter := bson.M{"workflowid": workflowID}
	if state != "" {
		filter["state"] = state
	}
	cur, err := s.resources.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*workflow.Resource
	for cur.Next(ctx) {
		var doc resourceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		r := doc.Resource
		out = append(out, &r)
	}
	return out, cur.Err()
}

func (s *Store) AppendHistory(ctx context.Context, resourceID string, event workflow.HistoryEvent) error {
	res, err := s.resources.UpdateOne(ctx,
		bson.M{"_id": resourceID},
		bson.M{"$push": bson.M{"history": event}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) NextSequence(ctx context.Context) (uint64, error) {
	var result struct {
		Value uint64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(
		ctx,
		bson.M{"_id": "global"},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&result)
	return result.Value, err
}
