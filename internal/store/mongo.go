// Package store implements the request store adapter on MongoDB.
//
// The vacation request collection is owned by the HR application; this
// package only reads requests and writes the external event reference.
// Historical documents are tolerated: status spellings are normalized on
// read, and dates may be stored either as "YYYY-MM-DD" strings or as BSON
// datetimes written in a configured zone.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/njoerd114/leavesync/internal/model"
)

var (
	// ErrNotFound reports that no request has the given id.
	ErrNotFound = errors.New("vacation request not found")

	// ErrStoreUnavailable wraps every read or write failure of the database.
	ErrStoreUnavailable = errors.New("request store unavailable")
)

// DefaultCollection is the collection used when none is configured.
const DefaultCollection = "vacationRequests"

const (
	fieldID              = "_id"
	fieldStatus          = "status"
	fieldCompany         = "company"
	fieldStartDate       = "startDate"
	fieldExternalEventID = "externalEventId"
	fieldLastSyncedAt    = "lastSyncedAt"
)

// NewClient connects to MongoDB and verifies the connection with a ping.
func NewClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(20).
		SetMaxConnIdleTime(30 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}
	return client, nil
}

// Options configures a [RequestStore].
type Options struct {
	// Collection defaults to [DefaultCollection].
	Collection string

	// DateLocation is the zone in which dates stored as BSON datetimes were
	// written. Defaults to UTC.
	DateLocation *time.Location
}

// RequestStore reads vacation requests and records their calendar event
// references.
type RequestStore struct {
	coll *mongo.Collection
	loc  *time.Location
	log  *slog.Logger
}

// NewRequestStore returns a RequestStore on a collection of db.
func NewRequestStore(db *mongo.Database, opts Options, logger *slog.Logger) *RequestStore {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.DateLocation == nil {
		opts.DateLocation = time.UTC
	}
	return &RequestStore{coll: db.Collection(opts.Collection), loc: opts.DateLocation, log: logger}
}

// EnsureIndexes creates the indexes the engine's queries rely on.
func (s *RequestStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: fieldStatus, Value: 1}}},
		{Keys: bson.D{{Key: fieldCompany, Value: 1}, {Key: fieldStartDate, Value: 1}}},
		{
			Keys: bson.D{{Key: fieldExternalEventID, Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.M{
				fieldExternalEventID: bson.M{"$type": "string"},
			}),
		},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("%w: creating indexes: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// GetByID returns the request with the given id, or [ErrNotFound].
func (s *RequestStore) GetByID(ctx context.Context, id string) (*model.VacationRequest, error) {
	var doc requestDocument
	err := s.coll.FindOne(ctx, bson.M{fieldID: idValue(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get request %s: %w", ErrStoreUnavailable, id, err)
	}
	return doc.toModel(s.loc)
}

// ListByStatus returns every request whose normalized status is status.
// Approved and denied are pre-filtered in the database; pending also covers
// unknown spellings, so it is filtered after decoding only.
func (s *RequestStore) ListByStatus(ctx context.Context, status model.Status) ([]*model.VacationRequest, error) {
	filter := bson.M{}
	if status != model.StatusPending {
		filter[fieldStatus] = spellingPattern(status)
	}
	all, err := s.find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list requests with status %s: %w", status, err)
	}
	out := all[:0]
	for _, r := range all {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListAll returns every request in the collection.
func (s *RequestStore) ListAll(ctx context.Context) ([]*model.VacationRequest, error) {
	all, err := s.find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return all, nil
}

// ListWithEventRef returns every request holding a non-empty external event
// reference, whatever its status.
func (s *RequestStore) ListWithEventRef(ctx context.Context) ([]*model.VacationRequest, error) {
	all, err := s.find(ctx, bson.M{fieldExternalEventID: bson.M{"$type": "string", "$ne": ""}})
	if err != nil {
		return nil, fmt.Errorf("list requests with event reference: %w", err)
	}
	return all, nil
}

// ListByCompany returns the requests of one company scope. Date filtering
// is left to the caller because stored dates are not uniformly typed.
func (s *RequestStore) ListByCompany(ctx context.Context, company string) ([]*model.VacationRequest, error) {
	all, err := s.find(ctx, bson.M{fieldCompany: company})
	if err != nil {
		return nil, fmt.Errorf("list requests for company %q: %w", company, err)
	}
	return all, nil
}

// SetExternalEventRef stores eventID on the request and stamps the sync
// time. An empty eventID clears the reference.
func (s *RequestStore) SetExternalEventRef(ctx context.Context, id, eventID string) error {
	var update bson.M
	if eventID == "" {
		update = bson.M{
			"$unset": bson.M{fieldExternalEventID: ""},
			"$set":   bson.M{fieldLastSyncedAt: time.Now().UTC()},
		}
	} else {
		update = bson.M{"$set": bson.M{
			fieldExternalEventID: eventID,
			fieldLastSyncedAt:    time.Now().UTC(),
		}}
	}

	res, err := s.coll.UpdateOne(ctx, bson.M{fieldID: idValue(id)}, update)
	if err != nil {
		return fmt.Errorf("%w: set event reference on %s: %w", ErrStoreUnavailable, id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("set event reference on %s: %w", id, ErrNotFound)
	}
	s.log.Debug("event reference stored", "request_id", id, "event_id", eventID)
	return nil
}

func (s *RequestStore) find(ctx context.Context, filter bson.M) ([]*model.VacationRequest, error) {
	opts := options.Find().SetSort(bson.D{{Key: fieldStartDate, Value: 1}})
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []*model.VacationRequest
	for cursor.Next(ctx) {
		var doc requestDocument
		if err := cursor.Decode(&doc); err != nil {
			s.log.Warn("skipping undecodable request document", "error", err)
			continue
		}
		r, err := doc.toModel(s.loc)
		if err != nil {
			s.log.Warn("skipping malformed request document", "error", err)
			continue
		}
		out = append(out, r)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}

// idValue returns the _id filter value for id: an ObjectID when id is a
// 24-character hex string, the string itself otherwise.
func idValue(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func spellingPattern(status model.Status) primitive.Regex {
	spellings := model.StatusSpellings(status)
	for i, sp := range spellings {
		spellings[i] = regexp.QuoteMeta(sp)
	}
	return primitive.Regex{
		Pattern: `^\s*(` + strings.Join(spellings, "|") + `)\s*$`,
		Options: "i",
	}
}
