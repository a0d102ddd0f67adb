package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/store"
)

func commandNames(mt *mtest.T) []string {
	var out []string
	for _, ev := range mt.GetAllStartedEvents() {
		out = append(out, ev.CommandName)
	}
	return out
}

func TestFindOrCreateConversationRetriesLostUpsert(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("duplicate key falls back to find", func(mt *mtest.T) {
		r := newRepository(mt.DB, nil)
		ns := mt.DB.Name() + ".conversations"
		winner := bson.D{
			{Key: "_id", Value: "conv-1"},
			{Key: "participants", Value: bson.A{"client", "lawyer"}},
			{Key: "participant_key", Value: "client,lawyer"},
			{Key: "appointment_id", Value: ""},
		}
		mt.AddMockResponses(
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11000, Name: "DuplicateKey", Message: "E11000 duplicate key error"}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, winner),
		)

		c, err := r.FindOrCreateConversation(context.Background(), []string{"lawyer", "client"}, "")
		require.NoError(t, err)
		assert.Equal(t, "conv-1", c.ID)
		assert.Equal(t, []string{"client", "lawyer"}, c.Participants)
		assert.Equal(t, []string{"findAndModify", "find"}, commandNames(mt))
	})

	mt.Run("other errors are returned", func(mt *mtest.T) {
		r := newRepository(mt.DB, nil)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "bad"}))

		_, err := r.FindOrCreateConversation(context.Background(), []string{"a", "b"}, "")
		assert.Error(t, err)
		assert.Equal(t, []string{"findAndModify"}, commandNames(mt))
	})
}

func TestAppendMessageAssignsSeq(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("seq from counter", func(mt *mtest.T) {
		r := newRepository(mt.DB, nil)
		convNS := mt.DB.Name() + ".conversations"
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, convNS, mtest.FirstBatch, bson.D{{Key: "n", Value: int32(1)}}),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{{Key: "_id", Value: "C1"}, {Key: "seq", Value: int64(7)}}}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(1)}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(1)}, bson.E{Key: "nModified", Value: int32(1)}),
		)

		at := time.Date(2026, 5, 1, 9, 0, 0, 987654321, time.UTC)
		m := &domain.Message{ConversationID: "C1", Sender: "A", Text: "hi", CreatedAt: at}
		require.NoError(t, r.AppendMessage(context.Background(), m))
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, int64(7), m.Seq)
		assert.Equal(t, at.Truncate(time.Millisecond), m.CreatedAt)
		assert.NotNil(t, m.Attachments)
		assert.Equal(t, []string{"aggregate", "findAndModify", "update", "update"}, commandNames(mt))
	})

	mt.Run("touch failure does not fail the append", func(mt *mtest.T) {
		r := newRepository(mt.DB, nil)
		convNS := mt.DB.Name() + ".conversations"
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, convNS, mtest.FirstBatch, bson.D{{Key: "n", Value: int32(1)}}),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{{Key: "_id", Value: "C1"}, {Key: "seq", Value: int64(8)}}}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(1)}),
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "bad"}),
		)

		m := &domain.Message{ConversationID: "C1", Sender: "A", Text: "hi"}
		require.NoError(t, r.AppendMessage(context.Background(), m))
		assert.Equal(t, int64(8), m.Seq)
	})

	mt.Run("unknown conversation", func(mt *mtest.T) {
		r := newRepository(mt.DB, nil)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.DB.Name()+".conversations", mtest.FirstBatch))

		err := r.AppendMessage(context.Background(), &domain.Message{ConversationID: "nope", Text: "x"})
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Equal(t, []string{"aggregate"}, commandNames(mt))
	})
}

func TestEditMessageKeepsPreviousText(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("pipeline update", func(mt *mtest.T) {
		r := newRepository(mt.DB, nil)
		at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
			{Key: "_id", Value: "m1"},
			{Key: "conversation_id", Value: "C1"},
			{Key: "sender", Value: "A"},
			{Key: "text", Value: "fixed"},
			{Key: "previous_text", Value: "typo"},
			{Key: "edited", Value: true},
			{Key: "edited_at", Value: at},
		}}))

		m, err := r.EditMessage(context.Background(), "m1", "fixed", at)
		require.NoError(t, err)
		assert.Equal(t, "fixed", m.Text)
		assert.Equal(t, "typo", m.PreviousText)
		assert.True(t, m.Edited)
		assert.NotNil(t, m.Attachments)

		started := mt.GetStartedEvent()
		require.NotNil(t, started)
		assert.Equal(t, "findAndModify", started.CommandName)
		stages, err := started.Command.Lookup("update").Array().Values()
		require.NoError(t, err)
		require.Len(t, stages, 1)
		set := stages[0].Document().Lookup("$set")
		assert.Equal(t, "$text", set.Document().Lookup("previous_text").StringValue())
		assert.Equal(t, "fixed", set.Document().Lookup("text").StringValue())
	})

	mt.Run("missing message", func(mt *mtest.T) {
		r := newRepository(mt.DB, nil)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}))

		_, err := r.EditMessage(context.Background(), "nope", "x", time.Now())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestListMessagesSortsNewestFirst(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("sort and limit", func(mt *mtest.T) {
		r := newRepository(mt.DB, nil)
		ns := mt.DB.Name() + ".messages"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "m2"}, {Key: "conversation_id", Value: "C1"}, {Key: "seq", Value: int64(2)}},
			bson.D{{Key: "_id", Value: "m1"}, {Key: "conversation_id", Value: "C1"}, {Key: "seq", Value: int64(1)}},
		))

		msgs, err := r.ListMessages(context.Background(), "C1", 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m2", msgs[0].ID)
		assert.NotNil(t, msgs[1].Attachments)

		started := mt.GetStartedEvent()
		require.NotNil(t, started)
		sort := started.Command.Lookup("sort").Document()
		keys, err := sort.Elements()
		require.NoError(t, err)
		require.Len(t, keys, 3)
		assert.Equal(t, "created_at", keys[0].Key())
		assert.Equal(t, "seq", keys[1].Key())
		assert.Equal(t, "_id", keys[2].Key())
		assert.Equal(t, int64(2), started.Command.Lookup("limit").Int64())
	})
}
