package httpapi

import (
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/ask"
	"github.com/jinford/protocol-rag/internal/core/intake"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/jinford/protocol-rag/internal/core/search"
	"github.com/jinford/protocol-rag/internal/core/tracker"
)

type fileDTO struct {
	intake.FileInfo
	StoredName string `json:"storedName"`
}

type analysisDTO struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	PageCount   int    `json:"pageCount"`
	TextLength  int    `json:"textLength"`
}

type timingDTO struct {
	Step       string `json:"step"`
	DurationMs int64  `json:"durationMs"`
}

type analyzeResponse struct {
	Success         bool        `json:"success"`
	File            fileDTO     `json:"file"`
	Analysis        analysisDTO `json:"analysis"`
	Timings         []timingDTO `json:"timings"`
	TotalDurationMs int64       `json:"totalDurationMs"`
}

func newAnalyzeResponse(result *intake.AnalysisResult, storedName string) analyzeResponse {
	timings := make([]timingDTO, 0, len(result.Timings))
	for _, t := range result.Timings {
		timings = append(timings, timingDTO{Step: t.Step, DurationMs: t.Duration.Milliseconds()})
	}
	return analyzeResponse{
		Success: true,
		File:    fileDTO{FileInfo: result.File, StoredName: storedName},
		Analysis: analysisDTO{
			Category:    result.Category,
			Description: result.Description,
			PageCount:   result.PageCount,
			TextLength:  result.TextLength,
		},
		Timings:         timings,
		TotalDurationMs: result.TotalDuration.Milliseconds(),
	}
}

// createRequest は POST /protocols のリクエスト
// filename は analyze が返した storedName
type createRequest struct {
	Name             string `json:"nom"`
	Description      string `json:"description"`
	Category         string `json:"category"`
	Filename         string `json:"filename"`
	OriginalFilename string `json:"originalName"`
	PageCount        int    `json:"pageCount"`
}

// updateRequest は PATCH /protocols/{id} のリクエスト（省略した項目は変更しない）
type updateRequest struct {
	Name        *string `json:"nom"`
	Category    *string `json:"category"`
	Description *string `json:"description"`
}

type protocolDTO struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"nom"`
	Category     string     `json:"category"`
	Description  string     `json:"description"`
	Filename     string     `json:"filename"`
	FileURL      string     `json:"fileUrl"`
	PageCount    int        `json:"pageCount"`
	Status       string     `json:"status"`
	ChunkCount   int        `json:"chunkCount"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	RunID        *uuid.UUID `json:"runId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func newProtocolDTO(p *protocol.Protocol) protocolDTO {
	return protocolDTO{
		ID:           p.ID,
		Name:         p.Name,
		Category:     p.Category,
		Description:  p.Description,
		Filename:     p.OriginalFilename,
		FileURL:      search.FileURL(p.ID),
		PageCount:    p.PageCount,
		Status:       string(p.Status),
		ChunkCount:   p.ChunkCount,
		ErrorMessage: p.ErrorMessage,
		RunID:        p.CurrentRunID,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

type protocolResponse struct {
	Success  bool        `json:"success"`
	Protocol protocolDTO `json:"protocol"`
}

type protocolListResponse struct {
	Success   bool          `json:"success"`
	Protocols []protocolDTO `json:"protocols"`
}

type processResponse struct {
	Success bool      `json:"success"`
	RunID   uuid.UUID `json:"runId"`
	Started bool      `json:"started"`
	Status  string    `json:"status"`
}

type progressDTO struct {
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	Progress  *int      `json:"progress"`
	Total     *int      `json:"total"`
	CreatedAt time.Time `json:"createdAt"`
}

type statusResponse struct {
	Success    bool          `json:"success"`
	Status     string        `json:"status"`
	Progress   []progressDTO `json:"progress"`
	Error      string        `json:"error,omitempty"`
	Percent    *int          `json:"percent,omitempty"`
	ChunkCount int           `json:"chunkCount"`
	RunID      *uuid.UUID    `json:"runId,omitempty"`
}

func newStatusResponse(report *tracker.Report) statusResponse {
	progress := make([]progressDTO, 0, len(report.Events))
	for _, e := range report.Events {
		progress = append(progress, progressDTO{
			Step:      string(e.Step),
			Message:   e.Message,
			Progress:  e.Progress,
			Total:     e.Total,
			CreatedAt: e.CreatedAt,
		})
	}
	return statusResponse{
		Success:    true,
		Status:     string(report.Status),
		Progress:   progress,
		Error:      report.ErrorMessage,
		Percent:    report.Percent,
		ChunkCount: report.ChunkCount,
		RunID:      report.RunID,
	}
}

// queryRequest は /chat と /protocols/search の共通リクエスト
type queryRequest struct {
	Question    string      `json:"question"`
	Query       string      `json:"query"`
	ProtocolIDs []uuid.UUID `json:"protocolIds"`
	K           int         `json:"k"`
	MinScore    *float64    `json:"minScore"`
}

type chatResponse struct {
	Success           bool              `json:"success"`
	Answer            string            `json:"answer"`
	Sources           []ask.SourceGroup `json:"sources"`
	Structured        *ask.Structured   `json:"structured,omitempty"`
	NoRelevantContent bool              `json:"noRelevantContent"`
}

func newChatResponse(answer *ask.Answer) chatResponse {
	sources := answer.Sources
	if sources == nil {
		sources = []ask.SourceGroup{}
	}
	return chatResponse{
		Success:           true,
		Answer:            answer.Text,
		Sources:           sources,
		Structured:        answer.Structured,
		NoRelevantContent: answer.NoRelevantContent,
	}
}

type searchResponse struct {
	Success bool            `json:"success"`
	Results []*search.Group `json:"results"`
}
