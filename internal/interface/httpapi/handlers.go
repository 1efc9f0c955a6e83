package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/ask"
	"github.com/jinford/protocol-rag/internal/core/intake"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/jinford/protocol-rag/internal/core/search"
)

// multipartOverhead はアップロード上限に加算するマルチパートのヘッダー分
const multipartOverhead = 1 << 20

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.settings.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, fmt.Errorf("%w: upload exceeds limit", intake.ErrInvalidDocument))
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: invalid multipart form: %v", intake.ErrInvalidDocument, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: missing file field", intake.ErrInvalidDocument))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: failed to read upload: %v", intake.ErrInvalidDocument, err))
		return
	}

	result, err := s.svc.Analyzer.Analyze(r.Context(), intake.Upload{
		OriginalName: header.Filename,
		MimeType:     header.Header.Get("Content-Type"),
		Data:         data,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	storedName, err := s.svc.Files.Stage(r.Context(), data)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("failed to stage upload: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, newAnalyzeResponse(result, storedName))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	original := req.OriginalFilename
	if original == "" {
		original = req.Name + ".pdf"
	}

	p, err := s.svc.Protocols.Create(r.Context(), protocol.CreateParams{
		OwnerID:          practitionerFrom(r.Context()),
		Name:             req.Name,
		Category:         req.Category,
		Description:      req.Description,
		StoredFile:       req.Filename,
		OriginalFilename: original,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.PageCount > 0 && req.PageCount != p.PageCount {
		s.logger.Warn("申告されたページ数と抽出結果が異なります",
			"protocolID", p.ID, "declared", req.PageCount, "extracted", p.PageCount)
	}

	writeJSON(w, http.StatusCreated, protocolResponse{Success: true, Protocol: newProtocolDTO(p)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	protocols, err := s.svc.Protocols.List(r.Context(), practitionerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	dtos := make([]protocolDTO, 0, len(protocols))
	for _, p := range protocols {
		dtos = append(dtos, newProtocolDTO(p))
	}
	writeJSON(w, http.StatusOK, protocolListResponse{Success: true, Protocols: dtos})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	p, err := s.svc.Protocols.Get(r.Context(), practitionerFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocolResponse{Success: true, Protocol: newProtocolDTO(p)})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var req updateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	p, err := s.svc.Protocols.UpdateMetadata(r.Context(), practitionerFrom(r.Context()), id, protocol.MetadataUpdate{
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocolResponse{Success: true, Protocol: newProtocolDTO(p)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	if err := s.svc.Protocols.Delete(r.Context(), practitionerFrom(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	p, f, err := s.svc.Protocols.OpenFile(r.Context(), practitionerFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", intake.AcceptedMimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", p.OriginalFilename))
	http.ServeContent(w, r, p.OriginalFilename, f.ModTime(), f)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	trigger, err := s.svc.Processor.Process(r.Context(), practitionerFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, processResponse{
		Success: true,
		RunID:   trigger.RunID,
		Started: trigger.Started,
		Status:  string(trigger.Status),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	report, err := s.svc.Status.GetStatus(r.Context(), practitionerFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(report))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	answer, err := s.svc.Ask.Ask(r.Context(), ask.Params{
		OwnerID:  practitionerFrom(r.Context()),
		Question: req.Question,
		Scope:    search.Scope{ProtocolIDs: req.ProtocolIDs},
		K:        req.K,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newChatResponse(answer))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	query := req.Query
	if strings.TrimSpace(query) == "" {
		query = req.Question
	}

	result, err := s.svc.Search.Search(r.Context(), search.Params{
		OwnerID:  practitionerFrom(r.Context()),
		Query:    query,
		Scope:    search.Scope{ProtocolIDs: req.ProtocolIDs},
		K:        req.K,
		MinScore: req.MinScore,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Success: true, Results: result.Groups})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		// 不正なIDは存在しないプロトコルと同じ扱い
		writeFailure(w, http.StatusNotFound, "NotFound", "protocol not found")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeFailure(w, http.StatusRequestEntityTooLarge, "PayloadTooLarge", "payload exceeds limit")
			return false
		}
		writeFailure(w, http.StatusBadRequest, "InvalidJSON", err.Error())
		return false
	}
	return true
}
