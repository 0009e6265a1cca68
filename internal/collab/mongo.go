package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prakhar0085/chatapp/internal/event"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names used by the account service.
const (
	MessagesCollection = "messages"
	UsersCollection    = "users"
)

// ConnectMongo dials uri and pings it within timeout.
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// MongoMessages is a MessageStore over the messages collection.
type MongoMessages struct {
	coll  *mongo.Collection
	nowFn func() time.Time
}

func NewMongoMessages(coll *mongo.Collection) *MongoMessages {
	return &MongoMessages{coll: coll, nowFn: time.Now}
}

func (m *MongoMessages) Create(ctx context.Context, d Draft) (event.Message, error) {
	if err := d.validate(); err != nil {
		return event.Message{}, err
	}
	msg := event.Message{
		ID:         primitive.NewObjectID().Hex(),
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Text:       d.Text,
		Image:      d.Image,
		Audio:      d.Audio,
		// Mongo stores milliseconds.
		CreatedAt: m.nowFn().UTC().Truncate(time.Millisecond),
	}
	if _, err := m.coll.InsertOne(ctx, msg); err != nil {
		return event.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (m *MongoMessages) ListConversation(ctx context.Context, a, b string) ([]event.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"senderId": a, "receiverId": b},
		bson.M{"senderId": b, "receiverId": a},
	}}
	cur, err := m.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	out := make([]event.Message, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return out, nil
}

func (m *MongoMessages) MarkRead(ctx context.Context, senderID, receiverID string) (int, error) {
	res, err := m.coll.UpdateMany(ctx,
		bson.M{"senderId": senderID, "receiverId": receiverID, "isRead": false},
		bson.M{"$set": bson.M{"isRead": true}},
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// MongoDirectory is a Directory over the users collection.
type MongoDirectory struct {
	coll *mongo.Collection
}

func NewMongoDirectory(coll *mongo.Collection) *MongoDirectory {
	return &MongoDirectory{coll: coll}
}

var userProjection = bson.M{"password": 0}

func (d *MongoDirectory) findOne(ctx context.Context, filter bson.M, what string) (User, error) {
	var u User
	err := d.coll.FindOne(ctx, filter, options.FindOne().SetProjection(userProjection)).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("find %s: %w", what, err)
	}
	return u, nil
}

func (d *MongoDirectory) User(ctx context.Context, id string) (User, error) {
	return d.findOne(ctx, bson.M{"_id": id}, "user "+id)
}

func (d *MongoDirectory) PublicKey(ctx context.Context, id string) (string, error) {
	u, err := d.User(ctx, id)
	if err != nil {
		return "", err
	}
	return u.PublicKey, nil
}

func (d *MongoDirectory) ResolveChatCode(ctx context.Context, code string) (User, error) {
	if code == "" {
		return User{}, fmt.Errorf("chat code required: %w", ErrInvalidArgument)
	}
	return d.findOne(ctx, bson.M{"chatCode": code}, "chat code")
}

func (d *MongoDirectory) Connect(ctx context.Context, userID, code string) (User, error) {
	target, err := d.ResolveChatCode(ctx, code)
	if err != nil {
		return User{}, err
	}
	me, err := d.User(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if err := validateConnect(me, target); err != nil {
		return User{}, err
	}
	if _, err := d.coll.UpdateByID(ctx, userID, bson.M{"$addToSet": bson.M{"contacts": target.ID}}); err != nil {
		return User{}, fmt.Errorf("add contact: %w", err)
	}
	if _, err := d.coll.UpdateByID(ctx, target.ID, bson.M{"$addToSet": bson.M{"contacts": userID}}); err != nil {
		return User{}, fmt.Errorf("add reverse contact: %w", err)
	}
	target.Contacts = nil
	return target, nil
}

func (d *MongoDirectory) Contacts(ctx context.Context, userID string) ([]User, error) {
	me, err := d.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(me.Contacts))
	if len(me.Contacts) == 0 {
		return out, nil
	}
	cur, err := d.coll.Find(ctx, bson.M{"_id": bson.M{"$in": me.Contacts}}, options.Find().SetProjection(userProjection))
	if err != nil {
		return nil, fmt.Errorf("find contacts: %w", err)
	}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	for i := range out {
		out[i].Contacts = nil
	}
	return out, nil
}
