package main

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/vartalap-chat/vartalap/pkg/auth"
	"github.com/vartalap-chat/vartalap/pkg/model"
	"github.com/vartalap-chat/vartalap/pkg/store"
)

const defaultHistoryLimit = 50

var allowedExtensions = map[string]model.AttachmentCategory{
	".jpg":  model.AttachmentImage,
	".jpeg": model.AttachmentImage,
	".png":  model.AttachmentImage,
	".gif":  model.AttachmentImage,
	".webp": model.AttachmentImage,
	".mp4":  model.AttachmentVideo,
	".webm": model.AttachmentVideo,
	".mp3":  model.AttachmentAudio,
	".ogg":  model.AttachmentAudio,
	".wav":  model.AttachmentAudio,
	".pdf":  model.AttachmentDocument,
	".doc":  model.AttachmentDocument,
	".docx": model.AttachmentDocument,
	".txt":  model.AttachmentDocument,
	".zip":  model.AttachmentOther,
}

func (g *Gateway) listMessages(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}
	if _, err := g.store.GetConversationIfParticipant(r.Context(), convID, identity.UserID); err != nil {
		storeError(w, err)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	msgs, err := g.store.ListMessages(r.Context(), convID, limit)
	if err != nil {
		storeError(w, err)
		return
	}

	views := make([]model.MessageView, 0, len(msgs))
	for _, m := range msgs {
		v, err := store.RenderMessage(r.Context(), g.store, m)
		if err != nil {
			storeError(w, err)
			return
		}
		views = append(views, v)
	}

	// Fetching history counts as reading it. Receipts for messages the
	// viewer has already seen (or sent) come back empty, so this stays
	// idempotent across reloads.
	unseen := lo.FilterMap(msgs, func(m model.Message, _ int) (uuid.UUID, bool) {
		return m.ID, m.SenderID != identity.UserID && !m.IsDeleted
	})
	if len(unseen) > 0 {
		if _, err := g.hub.MarkRead(r.Context(), identity, convID, unseen, time.Now().UTC()); err != nil {
			g.log.Warn("mark read on fetch failed", "conversation", convID, "err", err)
		}
	}

	writeJSON(w, http.StatusOK, views)
}

func (g *Gateway) createMessage(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		g.createMessageMultipart(w, r, identity, convID)
		return
	}

	var req struct {
		Content string     `json:"content" validate:"required"`
		ReplyTo *uuid.UUID `json:"reply_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Message content is required")
		return
	}

	view, err := g.hub.PostMessage(r.Context(), identity, convID, req.Content, req.ReplyTo, model.MessageText, nil)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (g *Gateway) createMessageMultipart(w http.ResponseWriter, r *http.Request, identity auth.Identity, convID uuid.UUID) {
	if err := r.ParseMultipartForm(g.cfg.MaxUploadSize); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	content := strings.TrimSpace(r.FormValue("content"))
	var replyTo *uuid.UUID
	if raw := r.FormValue("reply_to"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "Invalid reply_to id")
			return
		}
		replyTo = &id
	}

	files := r.MultipartForm.File["files"]
	if content == "" && len(files) == 0 {
		httpError(w, http.StatusBadRequest, "Message content is required")
		return
	}

	var attachments []model.Attachment
	var storedPaths []string
	cleanup := func() {
		for _, p := range storedPaths {
			if err := g.blobs.Remove(p); err != nil {
				g.log.Warn("attachment cleanup failed", "path", p, "err", err)
			}
		}
	}

	for _, fh := range files {
		att, path, err := g.saveAttachment(convID, fh)
		if err != nil {
			cleanup()
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		attachments = append(attachments, att)
		storedPaths = append(storedPaths, path)
	}

	kind := model.MessageText
	if len(attachments) > 0 {
		kind = model.MessageFile
		if lo.EveryBy(attachments, func(a model.Attachment) bool {
			return a.Category == model.AttachmentImage
		}) {
			kind = model.MessageImage
		}
	}

	view, err := g.hub.PostMessage(r.Context(), identity, convID, content, replyTo, kind, attachments)
	if err != nil {
		cleanup()
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// saveAttachment validates one uploaded file and writes it to the blob
// store under attachments/<conversation>/<uuid><ext>.
func (g *Gateway) saveAttachment(convID uuid.UUID, fh *multipart.FileHeader) (model.Attachment, string, error) {
	if fh.Size > g.cfg.MaxUploadSize {
		return model.Attachment{}, "", fmt.Errorf("file %s exceeds the size limit", fh.Filename)
	}

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	category, ok := allowedExtensions[ext]
	if !ok {
		return model.Attachment{}, "", fmt.Errorf("file type %s is not allowed", ext)
	}

	f, err := fh.Open()
	if err != nil {
		return model.Attachment{}, "", fmt.Errorf("could not read %s", fh.Filename)
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return model.Attachment{}, "", fmt.Errorf("could not read %s", fh.Filename)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return model.Attachment{}, "", fmt.Errorf("could not read %s", fh.Filename)
	}

	// The extension decides the category, the sniffed type corrects it
	// when the bytes disagree with the file name.
	switch {
	case strings.HasPrefix(mtype.String(), "image/"):
		category = model.AttachmentImage
	case strings.HasPrefix(mtype.String(), "video/"):
		category = model.AttachmentVideo
	case strings.HasPrefix(mtype.String(), "audio/"):
		category = model.AttachmentAudio
	}

	attID := uuid.New()
	path := fmt.Sprintf("attachments/%s/%s%s", convID, attID, ext)
	if err := g.blobs.Save(path, f); err != nil {
		return model.Attachment{}, "", fmt.Errorf("could not store %s", fh.Filename)
	}

	return model.Attachment{
		ID:         attID,
		FileName:   fh.Filename,
		FileSize:   fh.Size,
		MimeType:   mtype.String(),
		Category:   category,
		StoredPath: path,
		CreatedAt:  time.Now().UTC(),
	}, path, nil
}
