package models

import (
	"slices"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/deskpilot/internal/actions"
)

const (
	toolPrefix = "computer_"

	// ToolSetTaskStatus ends the task as completed or asks for human input.
	ToolSetTaskStatus = "set_task_status"
	// ToolCreateTask queues a follow-up task.
	ToolCreateTask = "create_task"
)

// Values accepted by set_task_status.
const (
	StatusCompleted = "completed"
	StatusNeedsHelp = "needs_help"
)

// ToolName returns the tool exposing an action kind.
func ToolName(kind actions.Kind) string {
	return toolPrefix + string(kind)
}

// KindForTool maps a tool name back to its action kind.
func KindForTool(name string) (actions.Kind, bool) {
	if !strings.HasPrefix(name, toolPrefix) {
		return "", false
	}
	kind := actions.Kind(strings.TrimPrefix(name, toolPrefix))
	if _, ok := actions.Lookup(kind); !ok {
		return "", false
	}
	return kind, true
}

// BuildTools describes the offered actions and control tools in eino's schema.
func BuildTools(kinds []actions.Kind, allowCreateTask bool) []*schema.ToolInfo {
	tools := make([]*schema.ToolInfo, 0, len(kinds)+2)
	for _, k := range kinds {
		spec, ok := actions.Lookup(k)
		if !ok {
			continue
		}
		params := make(map[string]*schema.ParameterInfo, len(spec.Params))
		for name, p := range spec.Params {
			params[name] = toParameterInfo(p)
		}
		tools = append(tools, &schema.ToolInfo{
			Name:        ToolName(k),
			Desc:        spec.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}

	tools = append(tools, &schema.ToolInfo{
		Name: ToolSetTaskStatus,
		Desc: "Finish the task. Use completed once the goal is reached, or needs_help when you cannot continue without the user.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"status": {
				Type:     schema.String,
				Desc:     "Final status",
				Enum:     []string{StatusCompleted, StatusNeedsHelp},
				Required: true,
			},
			"description": {
				Type:     schema.String,
				Desc:     "Summary of what was done, or what help is needed",
				Required: true,
			},
		}),
	})

	if allowCreateTask {
		tools = append(tools, &schema.ToolInfo{
			Name: ToolCreateTask,
			Desc: "Queue a separate follow-up task. It runs after this one and does not block it.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"description": {Type: schema.String, Desc: "What the new task must accomplish", Required: true},
				"priority": {
					Type: schema.String,
					Desc: "Task priority",
					Enum: []string{"low", "medium", "high", "urgent"},
				},
			}),
		})
	}
	return tools
}

func toParameterInfo(p *actions.Param) *schema.ParameterInfo {
	info := &schema.ParameterInfo{
		Desc:     p.Desc,
		Required: p.Required,
		Enum:     slices.Clone(p.Enum),
	}
	switch p.Type {
	case actions.TypeInteger:
		info.Type = schema.Integer
	case actions.TypeBoolean:
		info.Type = schema.Boolean
	case actions.TypeArray:
		info.Type = schema.Array
		if p.Items != nil {
			info.ElemInfo = toParameterInfo(p.Items)
		}
	case actions.TypeObject:
		info.Type = schema.Object
		if len(p.Props) > 0 {
			info.SubParams = make(map[string]*schema.ParameterInfo, len(p.Props))
			for name, sub := range p.Props {
				info.SubParams[name] = toParameterInfo(sub)
			}
		}
	default:
		info.Type = schema.String
	}
	return info
}
