package server

import (
	"storyline/internal/backlog"
	"storyline/internal/domain"
)

// Request payloads

type ImportStoryRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Acceptance  []string `json:"acceptance"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Budget      int      `json:"budget,omitempty"`
	FileBudget  int      `json:"file_budget,omitempty"`
	Files       []string `json:"files,omitempty"`
	SignalToken string   `json:"signal_token,omitempty"`
}

type ImportBacklogRequest struct {
	ID       string               `json:"id"`
	Domain   string               `json:"domain"`
	Priority int                  `json:"priority,omitempty"`
	Track    string               `json:"track,omitempty"`
	Stories  []ImportStoryRequest `json:"stories"`
}

func (r ImportBacklogRequest) document() *backlog.Document {
	var doc backlog.Document
	doc.Backlog.ID = r.ID
	doc.Backlog.Domain = r.Domain
	doc.Backlog.Priority = r.Priority
	doc.Backlog.Track = r.Track
	for _, s := range r.Stories {
		sd := backlog.StoryDoc{
			ID:          s.ID,
			Name:        s.Name,
			Priority:    s.Priority,
			Acceptance:  s.Acceptance,
			DependsOn:   s.DependsOn,
			Budget:      s.Budget,
			FileBudget:  s.FileBudget,
			Files:       s.Files,
			SignalToken: s.SignalToken,
		}
		if s.Description != nil {
			sd.Description = *s.Description
		}
		doc.Stories = append(doc.Stories, sd)
	}
	return &doc
}

type UpdateAcceptanceRequest struct {
	Acceptance []string `json:"acceptance"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type BacklogStatusResponse struct {
	BacklogID string              `json:"backlog_id"`
	Counts    domain.StatusCounts `json:"counts"`
	Done      bool                `json:"done"`
	Complete  bool                `json:"complete"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is returned exactly once; only its hash is stored.
	Key string `json:"key"`
}
