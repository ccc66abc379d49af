package repository

import (
	"context"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
)

const collectionName = "batch_jobs"

var terminalStatuses = []batch.Status{batch.StatusFailed, batch.StatusKilled, batch.StatusSucceeded}

// MongoRepository is the Job Repository backed by MongoDB, using a typed
// collection instead of an opaque key-blob store: status-scoped queries
// and compare-and-set updates need server-side filtering that a generic
// blob store cannot provide.
type MongoRepository struct {
	session    *mgo.Session
	collection *mgo.Collection
}

// NewMongoRepository dials url (which must include the target database
// name) and returns a Job Repository over it.
func NewMongoRepository(url string) (*MongoRepository, error) {
	session, err := mgo.Dial(url)
	if err != nil {
		return nil, err
	}
	session.SetMode(mgo.Strong, true)

	db := session.DB("")
	collection := db.C(collectionName)
	if err := collection.EnsureIndexKey("name", "status"); err != nil {
		session.Close()
		return nil, err
	}

	return &MongoRepository{session: session, collection: collection}, nil
}

// Close releases the underlying MongoDB session.
func (r *MongoRepository) Close() {
	r.session.Close()
}

func (r *MongoRepository) Insert(ctx context.Context, job *batch.Job) error {
	count, err := r.collection.Find(bson.M{
		"name":   job.Name,
		"status": bson.M{"$nin": terminalStatuses},
	}).Count()
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateName
	}
	return r.collection.Insert(job)
}

func (r *MongoRepository) Get(ctx context.Context, id string) (*batch.Job, error) {
	var job batch.Job
	if err := r.collection.FindId(id).One(&job); err != nil {
		if err == mgo.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *MongoRepository) List(ctx context.Context, statuses ...batch.Status) ([]*batch.Job, error) {
	query := bson.M{}
	if len(statuses) > 0 {
		query["status"] = bson.M{"$in": statuses}
	}

	var jobs []*batch.Job
	if err := r.collection.Find(query).All(&jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *MongoRepository) Update(ctx context.Context, id string, mutator Mutator) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	mutator(job)
	if err := r.collection.UpdateId(id, job); err != nil {
		if err == mgo.ErrNotFound {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (r *MongoRepository) UpdateStatus(ctx context.Context, id string, from, to batch.Status, mutator Mutator) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	mutator(job)
	job.Status = to

	err = r.collection.Update(bson.M{"_id": id, "status": string(from)}, job)
	if err == nil {
		return nil
	}
	if err != mgo.ErrNotFound {
		return err
	}

	// Distinguish "record vanished" from "status already moved on".
	if _, getErr := r.Get(ctx, id); getErr == ErrNotFound {
		return ErrNotFound
	}
	return ErrStatusMismatch
}

var _ Repository = &MongoRepository{}
