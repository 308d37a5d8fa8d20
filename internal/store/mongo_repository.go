/**
 * @description
 * This file provides the MongoDB implementation of the `Repository` interface.
 * Users carry their ledger balances inline, sessions embed their billing history,
 * and transactions live in their own collection with a unique sparse index on
 * `reference`.
 *
 * @dependencies
 * - go.mongodb.org/mongo-driver/v2: The official MongoDB driver.
 *
 * @notes
 * - Multi-document mutations run inside `WithTransaction`, which requires a
 *   replica set or sharded deployment.
 * - Balance guards are part of the update filter (`balance >= amount`), so a
 *   concurrent debit can never drive a balance negative.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	colUsers        = "users"
	colSessions     = "sessions"
	colTransactions = "transactions"
)

// MongoRepository is a concrete implementation of the Repository interface for MongoDB.
type MongoRepository struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoRepository creates a new instance of MongoRepository.
func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	return &MongoRepository{client: client, db: client.Database(database)}
}

// Migrate creates the indexes the repository relies on.
func (r *MongoRepository) Migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colUsers: {
			{Keys: bson.D{{Key: "clerk_user_id", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		},
		colSessions: {
			{Keys: bson.D{{Key: "client_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "reader_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colTransactions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "reference", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		},
	}
	for name, models := range indexes {
		if _, err := r.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks database connectivity.
func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

func (r *MongoRepository) users() *mongo.Collection        { return r.db.Collection(colUsers) }
func (r *MongoRepository) sessions() *mongo.Collection     { return r.db.Collection(colSessions) }
func (r *MongoRepository) transactions() *mongo.Collection { return r.db.Collection(colTransactions) }

func (r *MongoRepository) ResolveUserID(ctx context.Context, externalID string) (uuid.UUID, error) {
	var m userModel
	err := r.users().FindOne(ctx, bson.M{"clerk_user_id": externalID}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return uuid.Nil, ErrUserNotFound
		}
		return uuid.Nil, err
	}
	return parseID(m.ID), nil
}

func (r *MongoRepository) FindUserProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error) {
	m, err := r.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile, _ := fromUserModel(m)
	return profile, nil
}

func (r *MongoRepository) GetLedger(ctx context.Context, userID uuid.UUID) (*domain.LedgerEntry, error) {
	m, err := r.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	_, ledger := fromUserModel(m)
	return ledger, nil
}

func (r *MongoRepository) CreditBalance(ctx context.Context, userID uuid.UUID, amount int64, txn *domain.Transaction) (*domain.LedgerEntry, error) {
	var ledger *domain.LedgerEntry
	err := r.withTransaction(ctx, func(ctx context.Context) error {
		m, err := r.incUser(ctx, bson.M{"_id": userID.String()}, bson.M{"balance": amount})
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return ErrUserNotFound
			}
			return err
		}
		_, ledger = fromUserModel(m)
		txn.BalanceBefore = ledger.Balance - amount
		txn.BalanceAfter = ledger.Balance
		return r.insertTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

func (r *MongoRepository) ReservePayout(ctx context.Context, readerID uuid.UUID, minimum int64, txn *domain.Transaction) (*domain.Transaction, error) {
	var out domain.Transaction
	err := r.withTransaction(ctx, func(ctx context.Context) error {
		m, err := r.findUser(ctx, readerID)
		if err != nil {
			return err
		}
		pending := m.PendingEarnings
		if pending <= 0 || pending < minimum {
			return ErrBelowPayoutMinimum
		}
		filter := bson.M{"_id": m.ID, "pending_earnings": pending}
		if _, err := r.incUser(ctx, filter, bson.M{"pending_earnings": -pending, "paid_earnings": pending}); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return ErrBelowPayoutMinimum
			}
			return err
		}
		out = *txn
		out.Amount = pending
		out.BalanceBefore = pending
		out.BalanceAfter = 0
		return r.insertTransaction(ctx, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *MongoRepository) ReleasePayout(ctx context.Context, transactionID uuid.UUID) error {
	return r.withTransaction(ctx, func(ctx context.Context) error {
		var m transactionModel
		err := r.transactions().FindOneAndUpdate(ctx,
			bson.M{"_id": transactionID.String(), "type": domain.TransactionTypePayout, "status": domain.TransactionStatusPending},
			bson.M{"$set": bson.M{"status": domain.TransactionStatusFailed}},
		).Decode(&m)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return ErrTransactionNotFound
			}
			return err
		}
		_, err = r.incUser(ctx, bson.M{"_id": m.UserID}, bson.M{"pending_earnings": m.Amount, "paid_earnings": -m.Amount})
		return err
	})
}

func (r *MongoRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := r.transactions().Find(ctx, bson.M{"user_id": userID.String()}, opts)
	if err != nil {
		return nil, err
	}
	var models []transactionModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, err
	}
	out := make([]domain.Transaction, 0, len(models))
	for i := range models {
		out = append(out, fromTransactionModel(&models[i]))
	}
	return out, nil
}

func (r *MongoRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := r.sessions().InsertOne(ctx, toSessionModel(session))
	return err
}

func (r *MongoRepository) FindSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	var m sessionModel
	if err := r.sessions().FindOne(ctx, bson.M{"_id": sessionID.String()}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return fromSessionModel(&m), nil
}

func (r *MongoRepository) FindOpenSessionByUser(ctx context.Context, userID uuid.UUID) (*domain.Session, error) {
	id := userID.String()
	filter := bson.M{
		"$or":    bson.A{bson.M{"client_id": id}, bson.M{"reader_id": id}},
		"status": bson.M{"$in": bson.A{string(domain.SessionStatusPending), string(domain.SessionStatusActive)}},
	}
	var m sessionModel
	err := r.sessions().FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromSessionModel(&m), nil
}

func (r *MongoRepository) ListSessionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Session, error) {
	id := userID.String()
	filter := bson.M{"$or": bson.A{bson.M{"client_id": id}, bson.M{"reader_id": id}}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	return r.findSessions(ctx, filter, opts)
}

func (r *MongoRepository) ListSessionsByStatus(ctx context.Context, status domain.SessionStatus, createdBefore time.Time) ([]domain.Session, error) {
	filter := bson.M{"status": string(status), "created_at": bson.M{"$lt": createdBefore}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	return r.findSessions(ctx, filter, opts)
}

func (r *MongoRepository) ActivateSession(ctx context.Context, sessionID uuid.UUID, startTime time.Time) (*domain.Session, error) {
	return r.updateSession(ctx,
		bson.M{"_id": sessionID.String(), "status": string(domain.SessionStatusPending)},
		bson.M{"$set": bson.M{"status": string(domain.SessionStatusActive), "start_time": startTime, "updated_at": startTime}},
	)
}

func (r *MongoRepository) CloseSession(ctx context.Context, params CloseSessionParams) (*domain.Session, error) {
	set := bson.M{
		"status":           string(params.To),
		"end_time":         params.EndTime,
		"duration_seconds": params.DurationSeconds,
		"end_reason":       params.Reason,
		"updated_at":       params.EndTime,
	}
	if params.AdminNote != nil {
		set["admin_note"] = *params.AdminNote
	}
	return r.updateSession(ctx,
		bson.M{"_id": params.SessionID.String(), "status": string(params.From)},
		bson.M{"$set": set},
	)
}

func (r *MongoRepository) ApplyCharge(ctx context.Context, params ChargeParams) (*domain.ChargeResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var result *domain.ChargeResult
	err := r.withTransaction(ctx, func(ctx context.Context) error {
		var current sessionModel
		if err := r.sessions().FindOne(ctx, bson.M{"_id": params.SessionID.String()}).Decode(&current); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return ErrSessionNotFound
			}
			return err
		}
		if current.Status != string(domain.SessionStatusActive) {
			return ErrSessionNotActive
		}

		client, err := r.incUser(ctx,
			bson.M{"_id": params.ClientID.String(), "balance": bson.M{"$gte": params.Amount}},
			bson.M{"balance": -params.Amount})
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return ErrInsufficientFunds
			}
			return err
		}
		reader, err := r.incUser(ctx,
			bson.M{"_id": params.ReaderID.String()},
			bson.M{"pending_earnings": params.ReaderEarnings, "total_earnings": params.ReaderEarnings})
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return ErrUserNotFound
			}
			return err
		}

		entry := domain.BillingEntry{
			Seq:         len(current.BillingHistory) + 1,
			Timestamp:   params.ChargedAt,
			Amount:      params.Amount,
			Description: params.Description,
		}
		updated, err := r.updateSession(ctx,
			bson.M{"_id": current.ID, "status": string(domain.SessionStatusActive), "billing_history": bson.M{"$size": len(current.BillingHistory)}},
			bson.M{
				"$inc":  bson.M{"total_cost": params.Amount},
				"$push": bson.M{"billing_history": toBillingEntryModel(entry)},
				"$set":  bson.M{"updated_at": params.ChargedAt},
			})
		if err != nil {
			return err
		}

		debit, credit := chargeTransactions(params,
			client.Balance+params.Amount, client.Balance,
			reader.PendingEarnings-params.ReaderEarnings, reader.PendingEarnings)
		if err := r.insertTransaction(ctx, &debit); err != nil {
			return err
		}
		if err := r.insertTransaction(ctx, &credit); err != nil {
			return err
		}

		result = &domain.ChargeResult{
			Entry:          entry,
			TotalCost:      updated.TotalCost,
			ClientBalance:  client.Balance,
			ReaderEarnings: params.ReaderEarnings,
			PlatformFee:    params.PlatformFee,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *MongoRepository) SaveReview(ctx context.Context, sessionID uuid.UUID, rating int, review string) (*domain.Session, error) {
	return r.updateSession(ctx,
		bson.M{"_id": sessionID.String(), "status": string(domain.SessionStatusEnded), "rating": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"rating": rating, "review": review, "updated_at": time.Now().UTC()}},
	)
}

// withTransaction runs fn inside a multi-document transaction. Sentinel errors
// returned by fn abort the transaction and are passed through unchanged.
func (r *MongoRepository) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := r.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

func (r *MongoRepository) findUser(ctx context.Context, userID uuid.UUID) (*userModel, error) {
	var m userModel
	if err := r.users().FindOne(ctx, bson.M{"_id": userID.String()}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *MongoRepository) incUser(ctx context.Context, filter bson.M, inc bson.M) (*userModel, error) {
	var m userModel
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if err := r.users().FindOneAndUpdate(ctx, filter, bson.M{"$inc": inc}, opts).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// updateSession applies a conditional update and returns the updated document.
// A filter miss is resolved into ErrSessionNotFound or ErrStaleSessionState.
func (r *MongoRepository) updateSession(ctx context.Context, filter bson.M, update bson.M) (*domain.Session, error) {
	var m sessionModel
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := r.sessions().FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err == nil {
		return fromSessionModel(&m), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	count, err := r.sessions().CountDocuments(ctx, bson.M{"_id": filter["_id"]})
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrSessionNotFound
	}
	return nil, ErrStaleSessionState
}

func (r *MongoRepository) findSessions(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]domain.Session, error) {
	cursor, err := r.sessions().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var models []sessionModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(models))
	for i := range models {
		out = append(out, *fromSessionModel(&models[i]))
	}
	return out, nil
}

func (r *MongoRepository) insertTransaction(ctx context.Context, t *domain.Transaction) error {
	if _, err := r.transactions().InsertOne(ctx, toTransactionModel(t)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}
