package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fedcal/internal/inbox"
	"github.com/hitoshi/fedcal/internal/middleware"
	"github.com/hitoshi/fedcal/internal/model"
)

// defaultMaxBodyBytes はinboxが受け付けるボディの上限。
const defaultMaxBodyBytes = 1 << 20

// InboxService は受信アクティビティを処理する。
type InboxService interface {
	Process(ctx context.Context, r *http.Request, body []byte, username string) (*inbox.Result, error)
}

// InboxHandler はユーザーinboxと共有inboxのHTTPハンドラー。
type InboxHandler struct {
	service      InboxService
	maxBodyBytes int64
}

// NewInboxHandler はInboxHandlerを生成する。maxBodyBytesが0以下なら1MiBを上限にする。
func NewInboxHandler(service InboxService, maxBodyBytes int64) *InboxHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &InboxHandler{service: service, maxBodyBytes: maxBodyBytes}
}

type acceptedResponse struct {
	Status string `json:"status"`
}

// UserInbox はユーザー宛ての配送を受け付ける。
// POST /users/{username}/inbox
func (h *InboxHandler) UserInbox(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, chi.URLParam(r, "username"))
}

// SharedInbox はサーバー全体宛ての配送を受け付ける。
// POST /inbox
func (h *InboxHandler) SharedInbox(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, "")
}

func (h *InboxHandler) receive(w http.ResponseWriter, r *http.Request, username string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidActivityError("body too large"))
			return
		}
		handleServiceError(w, r, model.NewInvalidJSONError())
		return
	}

	res, err := h.service.Process(r.Context(), r, body, username)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.SetRemoteActor(r.Context(), res.ActorURL)
	writeJSON(w, http.StatusAccepted, "application/json", acceptedResponse{Status: "accepted"})
}
