package catalog

import (
	"encoding/json"
	"strings"

	"github.com/xraph/herald/event"
)

var resourceSchema = json.RawMessage(`{
  "type": "object",
  "properties": {"id": {"type": "string", "minLength": 1}},
  "required": ["id"]
}`)

var memberSchema = json.RawMessage(`{
  "type": "object",
  "properties": {"user_id": {"type": "string", "minLength": 1}},
  "required": ["user_id"]
}`)

var assignSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "assignee_id": {"type": "string"}
  },
  "required": ["id", "assignee_id"]
}`)

var descriptions = map[event.Kind]string{
	event.TaskCreated:      "A task was created.",
	event.TaskUpdated:      "A task's fields changed.",
	event.TaskDeleted:      "A task was deleted.",
	event.TaskCompleted:    "A task was marked complete.",
	event.TaskAssigned:     "A task was assigned to a member.",
	event.ProjectCreated:   "A project was created.",
	event.ProjectUpdated:   "A project's settings changed.",
	event.ProjectDeleted:   "A project was deleted.",
	event.ProjectArchived:  "A project was archived.",
	event.CommentCreated:   "A comment was posted.",
	event.CommentUpdated:   "A comment was edited.",
	event.CommentDeleted:   "A comment was removed.",
	event.MemberAdded:      "A member joined the workspace.",
	event.MemberRemoved:    "A member left the workspace.",
	event.WorkspaceUpdated: "Workspace settings changed.",
	event.WebhookTest:      "Sent on demand to test a webhook.",
}

// Defaults returns the built-in definition for every known kind.
func Defaults() []Definition {
	kinds := event.Kinds()
	defs := make([]Definition, 0, len(kinds))
	for _, k := range kinds {
		group, _, _ := strings.Cut(string(k), ".")
		def := Definition{
			Kind:        k,
			Description: descriptions[k],
			Group:       group,
			Version:     DefaultVersion,
			Build:       resourceBuilder(group),
		}

		switch {
		case k == event.WebhookTest:
			def.Build = buildTest
		case k == event.TaskAssigned:
			def.Schema = assignSchema
		case group == "member":
			def.Schema = memberSchema
		default:
			def.Schema = resourceSchema
		}

		defs = append(defs, def)
	}
	return defs
}

// resourceBuilder nests the event data under the resource name and lifts
// "changes" and the acting user to the top level:
//
//	{"task": {...}, "changes": {...}, "actor": {"id": "u_1"}}
func resourceBuilder(resource string) BuildFunc {
	return func(evt event.Event) (map[string]any, error) {
		body := copyData(evt.Data)
		out := map[string]any{}

		if changes, ok := body["changes"]; ok {
			out["changes"] = changes
			delete(body, "changes")
		}
		out[resource] = body

		if evt.Context.UserID != "" {
			out["actor"] = map[string]any{"id": evt.Context.UserID}
		}
		return out, nil
	}
}

func buildTest(evt event.Event) (map[string]any, error) {
	out := map[string]any{
		"test":    true,
		"message": "This is a test event.",
	}
	for k, v := range evt.Data {
		out[k] = v
	}
	return out, nil
}
