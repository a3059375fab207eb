package chat

import (
	"fmt"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/chat"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/schema"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// buildResponse synthesizes the chat response for an instance's current
// state:
//
//	SUSPENDED              -> completed, prompt properties, next-input schema
//	RUNNING with async     -> in progress, async snapshot properties
//	COMPLETED              -> completed, properties from the final output
//	FAILED                 -> completed, {error: message}
func (s *Service) buildResponse(inst *workflow.Instance, session *chat.Session, susp *workflow.SuspensionData, asyncState *workflow.AsyncStepState) *chat.Message {
	switch {
	case inst.Status == workflow.StatusSuspended && susp != nil:
		resp := s.newResponse(susp.MessageID, inst, session)
		resp.Completed = true
		resp.PercentComplete = 100
		resp.Properties = s.extractProperties(susp.PromptToUser)
		if susp.NextInputName != "" && s.schemas != nil {
			if t, err := s.schemas.Lookup(susp.NextInputName); err == nil {
				resp.NextInputSchema = s.schemas.SchemaFor(t)
			}
		}
		return resp

	case asyncState != nil:
		resp := s.newResponse(asyncState.MessageID, inst, session)
		resp.Completed = asyncState.Completed
		resp.PercentComplete = asyncState.PercentComplete
		resp.Properties = s.asyncProperties(asyncState)
		return resp

	case inst.Status == workflow.StatusFailed:
		resp := s.newResponse("", inst, session)
		resp.Completed = true
		resp.PercentComplete = 100
		resp.Properties = map[string]string{"error": inst.ErrorInfo}
		return resp

	default: // COMPLETED, or async already consumed
		resp := s.newResponse("", inst, session)
		resp.Completed = true
		resp.PercentComplete = 100
		if last, ok := inst.LastRecord(); ok {
			resp.Properties = s.extractProperties(last.Output)
		}
		return resp
	}
}

func (s *Service) newResponse(messageID string, inst *workflow.Instance, session *chat.Session) *chat.Message {
	userID := ""
	language := ""
	if session != nil {
		userID = session.UserID
		language = session.Language
	}
	resp := chat.NewResponseMessage(messageID, inst.ChatID, userID, inst.WorkflowID)
	resp.Language = language
	return resp
}

// asyncProperties builds the polling view of an async task: initial data
// while running, result data once complete, always with status and
// progress.
func (s *Service) asyncProperties(state *workflow.AsyncStepState) map[string]string {
	var props map[string]string
	if state.Completed && state.Error == "" {
		props = s.extractProperties(state.ResultData)
	} else if state.Completed {
		props = map[string]string{"error": state.Error}
	} else {
		props = s.extractProperties(state.InitialData)
	}

	if state.StatusMessage != "" {
		props["status"] = state.StatusMessage
	} else if _, ok := props["status"]; !ok {
		props["status"] = ""
	}
	props["progressPercent"] = fmt.Sprintf("%d", state.PercentComplete)
	return props
}

// extractProperties flattens an arbitrary payload into string properties.
// A mapping carrying an explicit "properties" sub-field (either a nested
// map or a list of name/value records) is used directly; everything else
// goes through the schema service.
func (s *Service) extractProperties(payload any) map[string]string {
	if payload == nil {
		return map[string]string{}
	}

	if m, ok := payload.(map[string]any); ok {
		if sub, found := m["properties"]; found {
			if props, ok := explicitProperties(sub); ok {
				return props
			}
		}
		// A plain map flattens key by key for display.
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	}
	if s.schemas != nil {
		return s.schemas.ToPropertiesMap(payload)
	}
	return map[string]string{schema.ResultKey: fmt.Sprintf("%v", payload)}
}

func explicitProperties(sub any) (map[string]string, bool) {
	switch p := sub.(type) {
	case map[string]string:
		out := make(map[string]string, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out, true
	case map[string]any:
		out := make(map[string]string, len(p))
		for k, v := range p {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out, true
	case []any:
		out := make(map[string]string, len(p))
		for _, item := range p {
			record, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			name, ok := record["name"].(string)
			if !ok {
				return nil, false
			}
			out[name] = fmt.Sprintf("%v", record["value"])
		}
		return out, true
	default:
		return nil, false
	}
}
