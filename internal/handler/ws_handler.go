/*
Package handler provides the HTTP handler function for WebSocket connection upgrading and initialization.

This file contains HandleWebSocket, which resolves the caller's identity, upgrades the HTTP
connection to WebSocket and hands the socket to the chat hub for its lifetime.
*/
package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"recoverychat/internal/app/chat"
	"recoverychat/internal/app/user"
	"recoverychat/internal/pkg/auth/jwt"
	"recoverychat/internal/pkg/errs"
	"recoverychat/internal/pkg/logx"
	"recoverychat/internal/pkg/randx"
	"recoverychat/internal/pkg/resp"
)

// identityFromRequest returns the verified member, or a guest built from the "guest" and
// "name" query parameters. Missing or malformed guest parameters are replaced by generated ones.
func identityFromRequest(r *http.Request) (user.User, *errs.CustomError) {
	if payload := jwt.GetPayloadFromContext(r); payload != nil {
		return user.Member(payload.ID, payload.Name), nil
	}

	query := r.URL.Query()

	guestID := query.Get("guest")
	if !randx.IsValidGuestID(guestID) {
		generated, err := randx.GuestID()
		if err != nil {
			logx.Error(err, "Failed to generate guest id")
			return user.User{}, errs.NewError(errs.ErrUnknown)
		}
		guestID = generated
	}

	nickname := user.CleanNickname(query.Get("name"), "")
	if nickname == "" {
		generated, err := randx.GuestNickname()
		if err != nil {
			logx.Error(err, "Failed to generate guest nickname")
			return user.User{}, errs.NewError(errs.ErrUnknown)
		}
		nickname = generated
	}

	return user.Guest(guestID, nickname), nil
}

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
// The connection starts unjoined; the client picks a room with a join_room event.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser, customErr := identityFromRequest(r)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		logx.Info("WebSocket connection established", "user_id", currentUser.ID, "anonymous", currentUser.Anonymous)

		chat.Serve(deps.Hub, conn, currentUser)
	}
}
