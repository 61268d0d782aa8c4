package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pseudomat.org/internal/auth"
	"pseudomat.org/internal/registry"
	"pseudomat.org/internal/registry/remote"
	"pseudomat.org/internal/token"
)

const (
	defaultMaxBody = 65535
	maxCodeBytes   = 256
)

// readEntity enforces the entity rules shared by every token upload:
// declared length, size cap, media type and ASCII content. It writes the
// error response itself and reports whether the caller may continue.
func (a *API) readEntity(w http.ResponseWriter, r *http.Request, mediaType string, limit int64) (string, bool) {
	if r.ContentLength < 0 || (r.ContentLength == 0 && r.Header.Get("Content-Length") == "") {
		writeError(w, r, http.StatusLengthRequired, "Content-Length is required.")
		return "", false
	}
	if r.ContentLength > limit {
		writeError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("%d bytes seems a bit large for a %s.", r.ContentLength, mediaType))
		return "", false
	}
	ct := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != mediaType {
		writeError(w, r, http.StatusUnsupportedMediaType, fmt.Sprintf("Use %s instead of %s.", mediaType, ct))
		return "", false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "Request entity too large.")
			return "", false
		}
		writeError(w, r, http.StatusBadRequest, "Couldn’t read request entity.")
		return "", false
	}
	for _, b := range body {
		if b >= 0x80 {
			writeError(w, r, http.StatusBadRequest, "Request entity contains non-ascii characters.")
			return "", false
		}
	}
	return strings.TrimSpace(string(body)), true
}

func writeToken(w http.ResponseWriter, tok string) {
	w.Header().Set("Content-Type", token.MediaType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, tok)
}

// writeRegistered answers 201 for a new record and 303 for an identical
// replay, both pointing at the record.
func writeRegistered(w http.ResponseWriter, outcome registry.Outcome, location string, body map[string]any) {
	w.Header().Set("Location", location)
	if outcome == registry.Replayed {
		body["status"] = "already registered"
		writeJSON(w, http.StatusSeeOther, body)
		return
	}
	body["status"] = "created"
	writeJSON(w, http.StatusCreated, body)
}

// bearer extracts the proof token. A malformed header is reported only
// after the target record is known to exist, so that 404 wins over 400.
func (a *API) bearer(w http.ResponseWriter, r *http.Request, exists func() error) (string, bool) {
	tok, err := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	switch {
	case err == nil:
		return tok, true
	case errors.Is(err, auth.ErrMissingToken):
		return "", true
	}
	if xerr := exists(); xerr != nil {
		writeServiceError(w, r, xerr)
		return "", false
	}
	writeError(w, r, http.StatusBadRequest, "Illegal Authorization header format.")
	return "", false
}

func (a *API) createProject(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readEntity(w, r, token.MediaType, a.maxBody)
	if !ok {
		return
	}
	p, outcome, err := a.svc.RegisterProject(r.Context(), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeRegistered(w, outcome, "/"+p.ID, map[string]any{"id": p.ID})
}

func (a *API) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeToken(w, p.Token)
}

func (a *API) deleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	tok, ok := a.bearer(w, r, func() error {
		_, err := a.svc.GetProject(r.Context(), id)
		return err
	})
	if !ok {
		return
	}
	if err := a.svc.DeleteProject(r.Context(), id, tok); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) verifyProject(w http.ResponseWriter, r *http.Request) {
	code, ok := a.readEntity(w, r, "text/plain", maxCodeBytes)
	if !ok {
		return
	}
	if err := a.svc.VerifyProject(r.Context(), chi.URLParam(r, "projectID"), code); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func invitePath(projectID, inviteID string) string {
	return "/" + projectID + "/invites/" + inviteID
}

func (a *API) putInvite(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readEntity(w, r, token.MediaType, a.maxBody)
	if !ok {
		return
	}
	projectID, inviteID := chi.URLParam(r, "projectID"), chi.URLParam(r, "inviteID")
	inv, outcome, err := a.svc.RegisterInvite(r.Context(), projectID, inviteID, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeRegistered(w, outcome, invitePath(projectID, inviteID), map[string]any{"id": inv.ID, "project_id": projectID})
}

func (a *API) getInvite(w http.ResponseWriter, r *http.Request) {
	inv, m, err := a.svc.GetInvite(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "inviteID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set(remote.MemberStateHeader, m.State())
	writeToken(w, inv.Token)
}

func (a *API) deleteInvite(w http.ResponseWriter, r *http.Request) {
	projectID, inviteID := chi.URLParam(r, "projectID"), chi.URLParam(r, "inviteID")
	tok, ok := a.bearer(w, r, func() error {
		_, _, err := a.svc.GetInvite(r.Context(), projectID, inviteID)
		return err
	})
	if !ok {
		return
	}
	if err := a.svc.DeleteInvite(r.Context(), projectID, inviteID, tok); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) putMember(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readEntity(w, r, token.MediaType, a.maxBody)
	if !ok {
		return
	}
	projectID, inviteID := chi.URLParam(r, "projectID"), chi.URLParam(r, "inviteID")
	outcome, err := a.svc.AcceptInvite(r.Context(), projectID, inviteID, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeRegistered(w, outcome, invitePath(projectID, inviteID)+"/member", map[string]any{"invite_id": inviteID})
}

func (a *API) getMember(w http.ResponseWriter, r *http.Request) {
	tok, err := a.svc.GetMemberToken(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "inviteID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeToken(w, tok)
}

func (a *API) putRevocation(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readEntity(w, r, token.MediaType, a.maxBody)
	if !ok {
		return
	}
	projectID, inviteID := chi.URLParam(r, "projectID"), chi.URLParam(r, "inviteID")
	outcome, err := a.svc.RevokeInvite(r.Context(), projectID, inviteID, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeRegistered(w, outcome, invitePath(projectID, inviteID)+"/revocation", map[string]any{"invite_id": inviteID})
}
