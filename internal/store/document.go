package store

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/njoerd114/leavesync/internal/model"
)

// requestDocument is the stored shape of a vacation request. Loosely typed
// fields are kept raw and interpreted in toModel.
type requestDocument struct {
	ID bson.RawValue `bson:"_id"`

	RequesterID    string `bson:"requesterId,omitempty"`
	RequesterEmail string `bson:"requesterEmail,omitempty"`
	DisplayName    string `bson:"displayName,omitempty"`
	Company        string `bson:"company,omitempty"`
	LeaveType      string `bson:"leaveType,omitempty"`

	StartDate bson.RawValue `bson:"startDate"`
	EndDate   bson.RawValue `bson:"endDate"`

	HalfDay        bool   `bson:"halfDay,omitempty"`
	HalfDaySegment string `bson:"halfDaySegment,omitempty"`

	Reason    string    `bson:"reason,omitempty"`
	Status    string    `bson:"status,omitempty"`
	CreatedAt time.Time `bson:"createdAt,omitempty"`

	ReviewedBy    string    `bson:"reviewedBy,omitempty"`
	ReviewerEmail string    `bson:"reviewerEmail,omitempty"`
	ReviewedAt    time.Time `bson:"reviewedAt,omitempty"`
	AdminComment  string    `bson:"adminComment,omitempty"`

	ExternalEventID string    `bson:"externalEventId,omitempty"`
	LastSyncedAt    time.Time `bson:"lastSyncedAt,omitempty"`
}

// toModel converts the document. loc is the zone legacy datetime dates were
// written in.
func (d *requestDocument) toModel(loc *time.Location) (*model.VacationRequest, error) {
	id, err := rawID(d.ID)
	if err != nil {
		return nil, err
	}
	start, err := rawDate(d.StartDate, loc)
	if err != nil {
		return nil, fmt.Errorf("request %s: startDate: %w", id, err)
	}
	end, err := rawDate(d.EndDate, loc)
	if err != nil {
		return nil, fmt.Errorf("request %s: endDate: %w", id, err)
	}

	r := &model.VacationRequest{
		ID:              id,
		RequesterID:     d.RequesterID,
		RequesterEmail:  d.RequesterEmail,
		DisplayName:     d.DisplayName,
		Company:         d.Company,
		LeaveType:       d.LeaveType,
		StartDate:       start,
		EndDate:         end,
		HalfDay:         d.HalfDay,
		HalfDaySegment:  model.NormalizeHalfDay(d.HalfDaySegment),
		Reason:          d.Reason,
		Status:          model.NormalizeStatus(d.Status),
		CreatedAt:       d.CreatedAt,
		ExternalEventID: d.ExternalEventID,
		LastSyncedAt:    d.LastSyncedAt,
	}
	if r.DisplayName == "" {
		r.DisplayName = d.RequesterEmail
	}
	if d.ReviewedBy != "" || d.ReviewerEmail != "" || !d.ReviewedAt.IsZero() || d.AdminComment != "" {
		r.Review = &model.Review{
			ReviewerName:  d.ReviewedBy,
			ReviewerEmail: d.ReviewerEmail,
			ReviewedAt:    d.ReviewedAt,
			Comment:       d.AdminComment,
		}
	}
	return r, nil
}

func rawID(v bson.RawValue) (string, error) {
	switch v.Type {
	case bsontype.ObjectID:
		return v.ObjectID().Hex(), nil
	case bsontype.String:
		return v.StringValue(), nil
	default:
		return "", fmt.Errorf("unsupported _id type %s", v.Type)
	}
}

// rawDate accepts "YYYY-MM-DD" (or RFC 3339) strings and BSON datetimes.
// A datetime is an instant, so its calendar day is taken in loc: local
// midnight east of UTC is stored as the previous day in UTC.
// A missing value yields the zero date and is rejected later by range
// validation.
func rawDate(v bson.RawValue, loc *time.Location) (model.Date, error) {
	switch v.Type {
	case 0, bsontype.Null, bsontype.Undefined:
		return model.Date{}, nil
	case bsontype.String:
		return model.ParseDate(v.StringValue())
	case bsontype.DateTime:
		return model.DateOf(primitive.DateTime(v.DateTime()).Time().In(loc)), nil
	default:
		return model.Date{}, fmt.Errorf("unsupported date type %s", v.Type)
	}
}
