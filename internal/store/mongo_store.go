// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/magma-core/session-enforcer/internal/enforcer"
)

// MongoStore is the durable Session Store backed by MongoDB. Sessions
// are stored as their exported enforcer.Snapshot, never as the
// unexported SessionState fields directly.
type MongoStore struct {
	coll *mongo.Collection
}

type sessionDoc struct {
	Key  string `bson:"_id"`
	Data enforcer.Snapshot `bson:"data"`
}

func docID(imsi, sessionID string) string {
	return imsi + "/" + sessionID
}

// NewMongoStore connects to uri and returns a MongoStore backed by
// db.sessions.
func NewMongoStore(uri, db string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	return &MongoStore{coll: client.Database(db).Collection("sessions")}, nil
}

// GetSession loads and reconstructs one session.
func (m *MongoStore) GetSession(imsi, sessionID string) (*enforcer.SessionState, bool) {
	var doc sessionDoc

	err := m.coll.FindOne(context.Background(), bson.M{"_id": docID(imsi, sessionID)}).Decode(&doc)
	if err != nil {
		if err != mongo.ErrNoDocuments {
			log.WithError(err).Warn("mongo store: get session failed")
		}

		return nil, false
	}

	return enforcer.FromSnapshot(doc.Data), true
}

// GetAllSessions loads and reconstructs every session.
func (m *MongoStore) GetAllSessions() []*enforcer.SessionState {
	cur, err := m.coll.Find(context.Background(), bson.M{})
	if err != nil {
		log.WithError(err).Error("mongo store: get all sessions failed")
		return nil
	}
	defer cur.Close(context.Background())

	var out []*enforcer.SessionState

	for cur.Next(context.Background()) {
		var doc sessionDoc
		if err := cur.Decode(&doc); err != nil {
			log.WithError(err).Error("mongo store: decode session failed")
			continue
		}

		out = append(out, enforcer.FromSnapshot(doc.Data))
	}

	return out
}

// PutSession upserts a brand-new session.
func (m *MongoStore) PutSession(sess *enforcer.SessionState) error {
	if sess.Imsi == "" || sess.SessionID == "" {
		return enforcer.ErrInvalidArgument("session.key", sess.Key())
	}

	doc := sessionDoc{Key: docID(sess.Imsi, sess.SessionID), Data: sess.ToSnapshot()}

	_, err := m.coll.ReplaceOne(context.Background(), bson.M{"_id": doc.Key}, doc, options.Replace().SetUpsert(true))

	return err
}

// Commit applies uc onto sess and persists the result, the durable
// equivalent of InMemoryStore.Commit.
func (m *MongoStore) Commit(sess *enforcer.SessionState, uc *enforcer.UpdateCriteria) error {
	if err := uc.Apply(sess); err != nil {
		log.WithError(err).Warn("mongo store: discarding update-criteria journal")
		return err
	}

	return m.PutSession(sess)
}

// RemoveSession deletes a session document.
func (m *MongoStore) RemoveSession(imsi, sessionID string) error {
	_, err := m.coll.DeleteOne(context.Background(), bson.M{"_id": docID(imsi, sessionID)})
	return err
}
