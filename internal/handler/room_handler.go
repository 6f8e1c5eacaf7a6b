/*
Package handler provides HTTP handler functions for the room catalog, message history and
the online list.
*/
package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"recoverychat/internal/app/chat"
	"recoverychat/internal/app/store"
	"recoverychat/internal/pkg/errs"
	"recoverychat/internal/pkg/req"
	"recoverychat/internal/pkg/resp"
)

// respondErr writes err through the envelope, reporting uncoded errors as ErrUnknown.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var customErr *errs.CustomError
	if !errors.As(err, &customErr) {
		customErr = errs.NewError(errs.ErrUnknown, err)
	}
	resp.RespondError(w, r, customErr)
}

// HandleListRooms returns the room catalog.
func HandleListRooms(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := deps.Hub.Rooms(r.Context())
		if err != nil {
			respondErr(w, r, err)
			return
		}
		resp.RespondSuccess(w, r, map[string]any{"rooms": rooms})
	}
}

// HandleGetRoom returns one catalog entry.
func HandleGetRoom(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := deps.Hub.Room(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondErr(w, r, err)
			return
		}
		resp.RespondSuccess(w, r, room)
	}
}

// HandleRoomMessages returns a page of history, oldest first. "before" pages backwards
// from a message id.
func HandleRoomMessages(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, customErr := req.QueryInt(r, "limit", chat.DefaultReplayLimit, 1, chat.MaxHistoryLimit)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		before, customErr := req.QueryInt(r, "before", 0, 0, 1<<62)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		messages, err := deps.Hub.History(r.Context(), chi.URLParam(r, "id"), int(limit), before)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		resp.RespondSuccess(w, r, map[string]any{"messages": messages})
	}
}

// HandleRoomOnline returns the users currently online in a room.
func HandleRoomOnline(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		online, err := deps.Hub.Online(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondErr(w, r, err)
			return
		}
		resp.RespondSuccess(w, r, map[string]any{"online": online})
	}
}

type CreateRoomInput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HandleCreateRoom adds a room to the catalog. Mounted behind RequireAdminToken.
func HandleCreateRoom(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input CreateRoomInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		room, err := deps.Hub.CreateRoom(r.Context(), store.Room{
			ID:          input.ID,
			Name:        input.Name,
			Description: input.Description,
		})
		if err != nil {
			respondErr(w, r, err)
			return
		}
		resp.RespondSuccess(w, r, room)
	}
}
