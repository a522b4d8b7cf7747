package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/guildhall-io/guildhall/internal/agent"
	"github.com/guildhall-io/guildhall/internal/chat"
	"github.com/guildhall-io/guildhall/internal/database"
	"github.com/guildhall-io/guildhall/internal/rag"
	"github.com/guildhall-io/guildhall/internal/realtime"
	"github.com/guildhall-io/guildhall/internal/types"
)

const (
	recommendMatchThreshold = 0.6
	recommendMatchCount     = 5
)

type CreateChannelRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
}

type CreateMessageRequest struct {
	ChannelId     string `json:"channel_id"`
	Content       string `json:"content"`
	AttachmentUrl string `json:"attachment_url"`
}

type IngestRequest struct {
	SourceType string            `json:"source_type"`
	SourceId   string            `json:"source_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
}

type IngestResponse struct {
	Chunks int `json:"chunks"`
}

type ChatRequest struct {
	Messages []agent.Message `json:"messages"`
}

func (s *GuildhallApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func typedChannel(c database.Channel) types.Channel {
	return types.Channel{
		Id:          c.Id,
		Name:        c.Name,
		Slug:        c.Slug,
		Description: c.Description,
		IsPrivate:   c.IsPrivate,
		CreatedBy:   c.CreatedBy.String,
		CreatedAt:   c.CreatedAt,
	}
}

func (s *GuildhallApp) listChannels(w http.ResponseWriter, r *http.Request) {
	dbChannels, err := s.db.ListChannels()
	if err != nil {
		s.log.Println("list channels:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channels := make([]types.Channel, 0, len(dbChannels))
	for _, c := range dbChannels {
		channels = append(channels, typedChannel(c))
	}

	s.writeJson(w, http.StatusOK, channels)
}

func (s *GuildhallApp) createChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Print("generateShortId:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params := database.CreateChannelParams{
		Name:        req.Name,
		Slug:        slugify(req.Name) + "-" + strings.ToLower(sid),
		Description: req.Description,
		IsPrivate:   req.IsPrivate,
		CreatedBy:   identity.UserId,
	}

	newChannel, err := s.db.CreateChannel(params)
	if err != nil {
		s.log.Println("create channel:", err)
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, typedChannel(newChannel))
}

func (s *GuildhallApp) getChannel(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	channel, err := s.db.GetChannelBySlug(slug)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, typedChannel(channel))
}

func (s *GuildhallApp) getMessages(w http.ResponseWriter, r *http.Request) {
	channelId := r.URL.Query().Get("channel_id")
	if channelId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	limit := chat.HistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if _, err := s.db.GetChannelById(channelId); err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages, err := s.feed.History(channelId, limit)
	if err != nil {
		s.log.Println("get messages:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GuildhallApp) createMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.ChannelId == "" || strings.TrimSpace(req.Content) == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.db.GetChannelById(req.ChannelId); err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.feed.InsertMessage(database.CreateMessageParams{
		ChannelId:     req.ChannelId,
		SenderId:      identity.UserId,
		Content:       req.Content,
		AttachmentUrl: req.AttachmentUrl,
	})
	if err != nil {
		s.log.Println("create message:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GuildhallApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.db.GetMessage(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// only the sender may delete a message
	if msg.SenderId.String != identity.UserId {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	deleted := true
	if _, err := s.feed.Update(database.UpdateMessageParams{Id: id, IsDeleted: &deleted}); err != nil {
		s.log.Println("delete message:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GuildhallApp) ingestDocument(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.SourceType == "" || req.SourceId == "" || req.Content == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	n, err := s.docs.Ingest(req.SourceType, req.SourceId, req.Content, req.Metadata)
	if err != nil {
		s.log.Println("ingest document:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, IngestResponse{Chunks: n})
}

func (s *GuildhallApp) chatEngagement(w http.ResponseWriter, r *http.Request) {
	system, _ := agent.SystemPrompt(agent.PersonaEngagement)
	s.streamAgent(w, r, system)
}

func (s *GuildhallApp) chatRecommend(w http.ResponseWriter, r *http.Request) {
	system, _ := agent.SystemPrompt(agent.PersonaRecommendation)
	s.streamAgentWithRetrieval(w, r, system)
}

func (s *GuildhallApp) streamAgent(w http.ResponseWriter, r *http.Request, system string) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	s.writeAgentStream(w, r, system, req.Messages)
}

func (s *GuildhallApp) streamAgentWithRetrieval(w http.ResponseWriter, r *http.Request, system string) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	// ground the answer in the knowledge base when possible, but never
	// fail the chat because retrieval did
	if last, ok := agent.LastUserMessage(req.Messages); ok {
		passages, err := s.docs.Search(last.Content, rag.SearchOptions{
			MatchThreshold: recommendMatchThreshold,
			MatchCount:     recommendMatchCount,
		})
		if err != nil {
			s.log.Println("retrieval failed, continuing without context:", err)
		} else {
			system = agent.AugmentSystemPrompt(system, passages)
		}
	}

	s.writeAgentStream(w, r, system, req.Messages)
}

func (s *GuildhallApp) decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return ChatRequest{}, false
	}

	return req, true
}

// writeAgentStream relays model output to the client as it arrives. An
// upstream failure before the first byte maps to 503; mid-stream it can
// only be reported inline.
func (s *GuildhallApp) writeAgentStream(w http.ResponseWriter, r *http.Request, system string, messages []agent.Message) {
	flusher, _ := w.(http.Flusher)

	var wrote bool
	err := s.agent.Stream(r.Context(), system, messages, func(text string) error {
		if !wrote {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			wrote = true
		}

		if _, err := w.Write([]byte(text)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		s.log.Println("agent stream:", err)
		if !wrote {
			errResp := NewServiceUnavailableError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		w.Write([]byte("\n\n[The agent was interrupted. Please try again.]"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *GuildhallApp) serveWs(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := realtime.NewClient(identity, conn, s.broker, s.log)

	go client.Write()
	go client.Read()
}

// slugify lowercases a name and collapses non-alphanumeric runs into
// single hyphens.
func slugify(name string) string {
	var b strings.Builder
	var pendingHyphen bool
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		} else {
			pendingHyphen = true
		}
	}

	return b.String()
}
