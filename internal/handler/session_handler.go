/*
Package handler provides HTTP handler functions for anonymous sessions and admin access.
*/
package handler

import (
	"crypto/subtle"
	"net/http"

	"recoverychat/internal/app/user"
	"recoverychat/internal/pkg/auth/jwt"
	"recoverychat/internal/pkg/errs"
	"recoverychat/internal/pkg/logx"
	"recoverychat/internal/pkg/randx"
	"recoverychat/internal/pkg/resp"
)

// AdminTokenHeader carries the shared admin secret.
const AdminTokenHeader = "X-Admin-Token"

// GuestSession is handed to anonymous visitors so reconnects keep the same presence key.
type GuestSession struct {
	GuestID  string `json:"guestId"`
	Nickname string `json:"nickname"`
}

// HandleGuestSession issues a guest session id and a generated display name. Signed-in
// members get their own identity back instead.
func HandleGuestSession(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if identity := jwt.GetPayloadFromContext(r); identity != nil {
			member := user.Member(identity.ID, identity.Name)
			resp.RespondSuccess(w, r, map[string]any{"user": member})
			return
		}

		guestID, err := randx.GuestID()
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown, err))
			return
		}

		nickname, err := randx.GuestNickname()
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown, err))
			return
		}

		logx.Debug("Guest session issued", "guest_id", guestID)
		resp.RespondSuccess(w, r, GuestSession{GuestID: guestID, Nickname: nickname})
	}
}

// RequireAdminToken rejects requests whose X-Admin-Token does not match token. An empty
// token disables the admin routes entirely.
func RequireAdminToken(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(AdminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				logx.Warn("Admin request rejected", "path", r.URL.Path)
				resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
