package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/guildhall-io/guildhall/internal/agent"
	"github.com/guildhall-io/guildhall/internal/database"
	"github.com/guildhall-io/guildhall/internal/rag"
	"github.com/guildhall-io/guildhall/internal/realtime"
	"github.com/guildhall-io/guildhall/internal/types"
)

func identityRequest(r *http.Request, userId, userName string) *http.Request {
	ctx := WithIdentity(r.Context(), realtime.Identity{UserId: userId, UserName: userName})
	return r.WithContext(ctx)
}

func testChannel() database.Channel {
	return database.Channel{
		Id:        "chan-1",
		Name:      "General",
		Slug:      "general-s1d2e3f4",
		IsPrivate: false,
		CreatedBy: sql.NullString{String: "user-a", Valid: true},
		CreatedAt: time.Now().UTC(),
	}
}

func TestListChannels(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		ta.db.On("ListChannels").Return([]database.Channel{testChannel()}, nil).Once()

		w := httptest.NewRecorder()
		ta.app.listChannels(w, httptest.NewRequest(http.MethodGet, "/api/channels", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var channels []types.Channel
		require.NoError(t, json.NewDecoder(w.Body).Decode(&channels))
		require.Len(t, channels, 1)
		assert.Equal(t, "chan-1", channels[0].Id)
		assert.Equal(t, "user-a", channels[0].CreatedBy)
	})

	t.Run("database error", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		ta.db.On("ListChannels").Return([]database.Channel(nil), errors.New("connection refused")).Once()

		w := httptest.NewRecorder()
		ta.app.listChannels(w, httptest.NewRequest(http.MethodGet, "/api/channels", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("no channels", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		ta.db.On("ListChannels").Return([]database.Channel{}, nil).Once()

		w := httptest.NewRecorder()
		ta.app.listChannels(w, httptest.NewRequest(http.MethodGet, "/api/channels", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String(), "expected an empty array, not null")
	})
}

func TestCreateChannel(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		ta.db.On("CreateChannel", database.CreateChannelParams{
			Name:      "Dog Training",
			Slug:      "dog-training-s1d2e3f4",
			CreatedBy: "user-a",
		}).Return(testChannel(), nil).Once()

		body := strings.NewReader(`{"name":"Dog Training"}`)
		r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/channels", body), "user-a", "alice")
		w := httptest.NewRecorder()

		ta.app.createChannel(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("blank name", func(t *testing.T) {
		ta := newTestApp(t)

		body := strings.NewReader(`{"name":"   "}`)
		r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/channels", body), "user-a", "alice")
		w := httptest.NewRecorder()

		ta.app.createChannel(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		ta.db.AssertNotCalled(t, "CreateChannel", mock.Anything)
	})

	t.Run("invalid body", func(t *testing.T) {
		ta := newTestApp(t)

		r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/channels", strings.NewReader("{")), "user-a", "alice")
		w := httptest.NewRecorder()

		ta.app.createChannel(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetChannel(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		ta.db.On("GetChannelBySlug", "general-s1d2e3f4").Return(testChannel(), nil).Once()

		r := httptest.NewRequest(http.MethodGet, "/api/channels/general-s1d2e3f4", nil)
		r.SetPathValue("slug", "general-s1d2e3f4")
		w := httptest.NewRecorder()

		ta.app.getChannel(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		var channel types.Channel
		require.NoError(t, json.NewDecoder(w.Body).Decode(&channel))
		assert.Equal(t, "General", channel.Name)
	})

	t.Run("not found", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		ta.db.On("GetChannelBySlug", "missing").Return(database.Channel{}, sql.ErrNoRows).Once()

		r := httptest.NewRequest(http.MethodGet, "/api/channels/missing", nil)
		r.SetPathValue("slug", "missing")
		w := httptest.NewRecorder()

		ta.app.getChannel(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGetMessages(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		now := time.Now().UTC()
		ta.db.On("GetChannelById", "chan-1").Return(testChannel(), nil).Once()
		ta.db.On("GetMessages", "chan-1", 100).Return([]database.Message{
			{Id: "m1", ChannelId: "chan-1", Content: "hello", CreatedAt: now, UpdatedAt: now},
		}, nil).Once()

		w := httptest.NewRecorder()
		ta.app.getMessages(w, httptest.NewRequest(http.MethodGet, "/api/messages?channel_id=chan-1", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var messages []types.Message
		require.NoError(t, json.NewDecoder(w.Body).Decode(&messages))
		require.Len(t, messages, 1)
		assert.Equal(t, "m1", messages[0].Id)
	})

	t.Run("missing channel id", func(t *testing.T) {
		ta := newTestApp(t)

		w := httptest.NewRecorder()
		ta.app.getMessages(w, httptest.NewRequest(http.MethodGet, "/api/messages", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad limit", func(t *testing.T) {
		ta := newTestApp(t)

		w := httptest.NewRecorder()
		ta.app.getMessages(w, httptest.NewRequest(http.MethodGet, "/api/messages?channel_id=chan-1&limit=soon", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown channel", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		ta.db.On("GetChannelById", "nope").Return(database.Channel{}, sql.ErrNoRows).Once()

		w := httptest.NewRecorder()
		ta.app.getMessages(w, httptest.NewRequest(http.MethodGet, "/api/messages?channel_id=nope", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCreateMessage(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		now := time.Now().UTC()
		ta.db.On("GetChannelById", "chan-1").Return(testChannel(), nil).Once()
		ta.db.On("CreateMessage", database.CreateMessageParams{
			ChannelId: "chan-1",
			SenderId:  "user-a",
			Content:   "hello everyone",
		}).Return(database.Message{
			Id:        "m1",
			ChannelId: "chan-1",
			SenderId:  sql.NullString{String: "user-a", Valid: true},
			Content:   "hello everyone",
			CreatedAt: now,
			UpdatedAt: now,
		}, nil).Once()

		body := strings.NewReader(`{"channel_id":"chan-1","content":"hello everyone"}`)
		r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/messages", body), "user-a", "alice")
		w := httptest.NewRecorder()

		ta.app.createMessage(w, r)

		require.Equal(t, http.StatusCreated, w.Code)
		var msg types.Message
		require.NoError(t, json.NewDecoder(w.Body).Decode(&msg))
		assert.Equal(t, "m1", msg.Id, "expected the store-assigned id in the response")
	})

	t.Run("blank content", func(t *testing.T) {
		ta := newTestApp(t)

		body := strings.NewReader(`{"channel_id":"chan-1","content":"  "}`)
		r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/messages", body), "user-a", "alice")
		w := httptest.NewRecorder()

		ta.app.createMessage(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		ta.db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})
}

func TestDeleteMessage(t *testing.T) {
	stored := database.Message{
		Id:        "m1",
		ChannelId: "chan-1",
		SenderId:  sql.NullString{String: "user-a", Valid: true},
		Content:   "hello",
	}

	t.Run("sender soft-deletes", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		deleted := true
		updated := stored
		updated.IsDeleted = true
		ta.db.On("GetMessage", "m1").Return(stored, nil).Once()
		ta.db.On("UpdateMessage", database.UpdateMessageParams{Id: "m1", IsDeleted: &deleted}).
			Return(updated, nil).Once()

		r := identityRequest(httptest.NewRequest(http.MethodDelete, "/api/messages?id=m1", nil), "user-a", "alice")
		w := httptest.NewRecorder()

		ta.app.deleteMessage(w, r)

		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("not the sender", func(t *testing.T) {
		ta := newTestApp(t)
		defer ta.db.AssertExpectations(t)

		ta.db.On("GetMessage", "m1").Return(stored, nil).Once()

		r := identityRequest(httptest.NewRequest(http.MethodDelete, "/api/messages?id=m1", nil), "user-b", "bob")
		w := httptest.NewRecorder()

		ta.app.deleteMessage(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
		ta.db.AssertNotCalled(t, "UpdateMessage", mock.Anything)
	})
}

func TestIngestDocument(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ta := newTestApp(t)
		ta.docs.ingest = func(sourceType, sourceId, content string, metadata map[string]string) (int, error) {
			assert.Equal(t, "channel", sourceType)
			assert.Equal(t, "chan-1", sourceId)
			return 3, nil
		}

		body := strings.NewReader(`{"source_type":"channel","source_id":"chan-1","content":"lots of text"}`)
		r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/embeddings/ingest", body), "user-a", "alice")
		w := httptest.NewRecorder()

		ta.app.ingestDocument(w, r)

		require.Equal(t, http.StatusCreated, w.Code)
		assert.JSONEq(t, `{"chunks":3}`, w.Body.String())
	})

	t.Run("missing fields", func(t *testing.T) {
		ta := newTestApp(t)

		body := strings.NewReader(`{"source_type":"channel"}`)
		r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/embeddings/ingest", body), "user-a", "alice")
		w := httptest.NewRecorder()

		ta.app.ingestDocument(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestChatEngagement(t *testing.T) {
	ta := newTestApp(t)
	ta.agent.stream = func(ctx context.Context, system string, messages []agent.Message, onDelta func(string) error) error {
		assert.Contains(t, system, "engagement agent")
		require.NoError(t, onDelta("Welcome "))
		require.NoError(t, onDelta("aboard!"))
		return nil
	}

	body := strings.NewReader(`{"messages":[{"role":"user","content":"say hi"}]}`)
	r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/chat/engagement", body), "user-a", "alice")
	w := httptest.NewRecorder()

	ta.app.chatEngagement(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Welcome aboard!", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

func TestChatRecommendAugmentsPrompt(t *testing.T) {
	ta := newTestApp(t)

	ta.docs.search = func(query string, opts rag.SearchOptions) ([]rag.Passage, error) {
		assert.Equal(t, "which course should I take", query)
		assert.Equal(t, 0.6, opts.MatchThreshold)
		assert.Equal(t, 5, opts.MatchCount)
		return []rag.Passage{{SourceType: "course", Content: "Puppy Basics covers house training."}}, nil
	}

	var gotSystem string
	ta.agent.stream = func(ctx context.Context, system string, messages []agent.Message, onDelta func(string) error) error {
		gotSystem = system
		return onDelta("Take Puppy Basics.")
	}

	body := strings.NewReader(`{"messages":[{"role":"user","content":"which course should I take"}]}`)
	r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/chat/recommend", body), "user-a", "alice")
	w := httptest.NewRecorder()

	ta.app.chatRecommend(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, gotSystem, "[course]: Puppy Basics covers house training.")
	assert.Equal(t, "Take Puppy Basics.", w.Body.String())
}

func TestChatRecommendRetrievalFailure(t *testing.T) {
	ta := newTestApp(t)

	ta.docs.search = func(query string, opts rag.SearchOptions) ([]rag.Passage, error) {
		return nil, rag.ErrRetrieval
	}

	var gotSystem string
	ta.agent.stream = func(ctx context.Context, system string, messages []agent.Message, onDelta func(string) error) error {
		gotSystem = system
		return onDelta("Here is a recommendation anyway.")
	}

	body := strings.NewReader(`{"messages":[{"role":"user","content":"recommend something"}]}`)
	r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/chat/recommend", body), "user-a", "alice")
	w := httptest.NewRecorder()

	ta.app.chatRecommend(w, r)

	require.Equal(t, http.StatusOK, w.Code, "expected the chat to proceed without retrieval context")
	assert.NotContains(t, gotSystem, "knowledge base context", "expected no augmentation on retrieval failure")
	assert.Equal(t, "Here is a recommendation anyway.", w.Body.String())
}

func TestChatAgentFailureBeforeFirstByte(t *testing.T) {
	ta := newTestApp(t)

	ta.agent.stream = func(ctx context.Context, system string, messages []agent.Message, onDelta func(string) error) error {
		return errors.New("model overloaded")
	}

	body := strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)
	r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/chat/engagement", body), "user-a", "alice")
	w := httptest.NewRecorder()

	ta.app.chatEngagement(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestChatAgentFailureMidStream(t *testing.T) {
	ta := newTestApp(t)

	ta.agent.stream = func(ctx context.Context, system string, messages []agent.Message, onDelta func(string) error) error {
		if err := onDelta("partial"); err != nil {
			return err
		}
		return errors.New("connection reset")
	}

	body := strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)
	r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/chat/engagement", body), "user-a", "alice")
	w := httptest.NewRecorder()

	ta.app.chatEngagement(w, r)

	assert.Equal(t, http.StatusOK, w.Code, "expected the status to be committed before the failure")
	assert.Contains(t, w.Body.String(), "partial")
	assert.Contains(t, w.Body.String(), "interrupted", "expected an inline notice after the partial output")
}

func TestChatEmptyConversation(t *testing.T) {
	ta := newTestApp(t)

	body := strings.NewReader(`{"messages":[]}`)
	r := identityRequest(httptest.NewRequest(http.MethodPost, "/api/chat/engagement", body), "user-a", "alice")
	w := httptest.NewRecorder()

	ta.app.chatEngagement(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
