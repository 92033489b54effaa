package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/reverie"
)

// completionRequest is the body of both completion endpoints.
type completionRequest struct {
	UserInput    string   `json:"user_input"`
	InputMode    string   `json:"input_mode"`
	Stream       bool     `json:"stream"`
	SessionID    string   `json:"session_id"`
	Character    string   `json:"character,omitempty"`
	ModelInfo    string   `json:"model_info,omitempty"`
	Participants []string `json:"participants,omitempty"`
	// FlowType selects the topology on the flow endpoint; ignored on
	// /v1/chat/completions.
	FlowType string `json:"flow_type,omitempty"`
}

// completionResponse is the non-streaming chat.completion shape.
type completionResponse struct {
	ID        string             `json:"id"`
	Object    string             `json:"object"`
	Created   int64              `json:"created"`
	Model     string             `json:"model"`
	Choices   []completionChoice `json:"choices"`
	SessionID string             `json:"session_id"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolOutputs []toolOutput `json:"tool_outputs,omitempty"`
}

// toolOutput is a side-channel payload that arrived outside the token
// stream, tagged with its display lane.
type toolOutput struct {
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
}

var validInputModes = map[reverie.InputMode]bool{
	reverie.InputPhone:      true,
	reverie.InputInPerson:   true,
	reverie.InputInnerVoice: true,
	reverie.InputCommand:    true,
	reverie.InputSkip:       true,
}

func (req *completionRequest) validate() (reverie.InputMode, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return "", &reverie.ErrInvalid{Op: "completion", Message: "session_id is required"}
	}
	mode := reverie.InputMode(req.InputMode)
	if mode == "" {
		mode = reverie.InputPhone
	}
	if !validInputModes[mode] {
		return "", &reverie.ErrInvalid{Op: "completion", Message: "unknown input_mode " + req.InputMode}
	}
	if mode != reverie.InputSkip && strings.TrimSpace(req.UserInput) == "" {
		return "", &reverie.ErrInvalid{Op: "completion", Message: "user_input is required"}
	}
	return mode, nil
}

// buildExecution resolves the request into a per-request context and the
// flow dependencies: character record, provider, and the shared registry.
func (s *Server) buildExecution(r *http.Request, req *completionRequest) (*reverie.ExecutionContext, reverie.FlowDeps, error) {
	mode, err := req.validate()
	if err != nil {
		return nil, reverie.FlowDeps{}, err
	}

	ec := reverie.NewExecutionContext(req.SessionID).WithInput(req.UserInput, mode)
	var character reverie.Character
	if req.Character != "" {
		if s.settings == nil {
			return nil, reverie.FlowDeps{}, &reverie.ErrNotFound{Kind: "character", ID: req.Character}
		}
		character, err = s.settings.GetCharacter(r.Context(), req.Character)
		if err != nil {
			return nil, reverie.FlowDeps{}, err
		}
		ec = ec.WithCharacter(character.ID)
	}
	if len(req.Participants) > 0 {
		ec = ec.WithVisibility(req.Participants)
	}

	llm, err := s.providers(r.Context(), req.ModelInfo)
	if err != nil {
		return nil, reverie.FlowDeps{}, err
	}

	deps := reverie.FlowDeps{
		AgentDeps: reverie.AgentDeps{
			Memory:    s.memory,
			LLM:       llm,
			Tools:     s.tools,
			Character: character,
			Logger:    s.logger,
			Tracer:    s.tracer,
		},
		ReflectionEvery: s.reflectionEvery,
	}
	return ec, deps, nil
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ec, deps, err := s.buildExecution(r, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.runCompletion(w, r, reverie.NewSeraFlow(deps), ec, req)
}

func (s *Server) handleFlowCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ec, deps, err := s.buildExecution(r, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	flow, err := reverie.BuildFlow(req.FlowType, deps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.runCompletion(w, r, flow, ec, req)
}

func (s *Server) runCompletion(w http.ResponseWriter, r *http.Request, flow reverie.Runnable, ec *reverie.ExecutionContext, req completionRequest) {
	start := time.Now()
	if req.Stream {
		if err := reverie.ServeSSE(r.Context(), w, flow, ec); err != nil {
			s.logger.Error("completion stream failed", "session_id", req.SessionID, "flow", flow.Name(), "error", err)
		} else {
			s.logger.Debug("completion stream done", "session_id", req.SessionID, "flow", flow.Name(), "duration", time.Since(start))
		}
		return
	}

	events, err := reverie.RunCollect(r.Context(), flow, ec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Debug("completion done", "session_id", req.SessionID, "flow", flow.Name(), "events", len(events), "duration", time.Since(start))
	writeJSON(w, http.StatusOK, collectResponse(events, req))
}

// collectResponse folds a finished event stream into the chat.completion
// shape: tokens concatenate into content, tool_output events become the
// side-channel list, and a final event's content wins when tokens are empty.
func collectResponse(events []reverie.ExecutionEvent, req completionRequest) completionResponse {
	var content strings.Builder
	var finalContent string
	var outputs []toolOutput
	for _, ev := range events {
		switch ev.Type {
		case reverie.EventToken:
			content.WriteString(ev.Content)
		case reverie.EventToolOutput:
			outputs = append(outputs, toolOutput{MessageType: ev.MessageType, Content: ev.Content})
		case reverie.EventFinal:
			if ev.Content != "" {
				finalContent = ev.Content
			}
		}
	}
	text := content.String()
	if text == "" {
		text = finalContent
	}
	return completionResponse{
		ID:      "chatcmpl-" + reverie.NewID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.ModelInfo,
		Choices: []completionChoice{{
			Message:      completionMessage{Role: "assistant", Content: text, ToolOutputs: outputs},
			FinishReason: "stop",
		}},
		SessionID: req.SessionID,
	}
}
