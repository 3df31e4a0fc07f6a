// Package actions defines the computer-interaction vocabulary and the client
// that dispatches it to the computer-control service.
package actions

import (
	"maps"
	"slices"
)

// Kind is an action name as understood by the computer-control service.
type Kind string

const (
	MoveMouse      Kind = "move_mouse"
	TraceMouse     Kind = "trace_mouse"
	ClickMouse     Kind = "click_mouse"
	PressMouse     Kind = "press_mouse"
	DragMouse      Kind = "drag_mouse"
	Scroll         Kind = "scroll"
	TypeKeys       Kind = "type_keys"
	PressKeys      Kind = "press_keys"
	TypeText       Kind = "type_text"
	PasteText      Kind = "paste_text"
	Wait           Kind = "wait"
	Screenshot     Kind = "screenshot"
	CursorPosition Kind = "cursor_position"
	Application    Kind = "application"
	WriteFile      Kind = "write_file"
	ReadFile       Kind = "read_file"
)

// Request is one action to perform. Params uses the service's wire names
// (coordinates, path, button, holdKeys, clickCount, ...).
type Request struct {
	Kind   Kind           `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Image is a base64-encoded picture returned by an action.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Result is the outcome of a successful action.
type Result struct {
	Kind    Kind           `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
	Image   *Image         `json:"image,omitempty"`
}

// ParamType is a JSON schema primitive.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param describes one action parameter in a provider-neutral way.
type Param struct {
	Type     ParamType
	Desc     string
	Enum     []string
	Required bool
	Items    *Param
	Props    map[string]*Param
}

// Spec describes an action kind.
type Spec struct {
	Kind        Kind
	Description string
	Params      map[string]*Param
	// Defaults are filled in by Normalize when the caller omits them.
	Defaults map[string]any
	// Observational actions read state without changing the desktop.
	Observational bool
	ReturnsImage  bool

	validate func(map[string]any) error
}

var (
	Buttons      = []string{"left", "right", "middle"}
	Directions   = []string{"up", "down", "left", "right"}
	PressStates  = []string{"down", "up"}
	Applications = []string{"firefox", "1password", "thunderbird", "vscode", "terminal", "desktop", "directory"}
)

// MaxWait bounds the wait action, in milliseconds.
const MaxWait = 60_000

func point(desc string, required bool) *Param {
	return &Param{
		Type:     TypeObject,
		Desc:     desc,
		Required: required,
		Props: map[string]*Param{
			"x": {Type: TypeInteger, Desc: "X coordinate in pixels", Required: true},
			"y": {Type: TypeInteger, Desc: "Y coordinate in pixels", Required: true},
		},
	}
}

func pointPath(desc string) *Param {
	return &Param{Type: TypeArray, Desc: desc, Required: true, Items: point("", false)}
}

func keyList(desc string, required bool) *Param {
	return &Param{Type: TypeArray, Desc: desc, Required: required, Items: &Param{Type: TypeString}}
}

func enum(desc string, values []string, required bool) *Param {
	return &Param{Type: TypeString, Desc: desc, Enum: values, Required: required}
}

var specs = map[Kind]*Spec{
	MoveMouse: {
		Description: "Move the mouse to specific coordinates without clicking.",
		Params:      map[string]*Param{"coordinates": point("Target position", true)},
		validate:    validateMoveMouse,
	},
	TraceMouse: {
		Description: "Move the mouse along a path without clicking, for hovering.",
		Params: map[string]*Param{
			"path":     pointPath("Points to trace through, in order"),
			"holdKeys": keyList("Keys to hold while tracing", false),
		},
		validate: validateTraceMouse,
	},
	ClickMouse: {
		Description: "Click a mouse button at the given coordinates, or at the current position.",
		Params: map[string]*Param{
			"coordinates": point("Where to click", false),
			"button":      enum("Mouse button", Buttons, false),
			"clickCount":  {Type: TypeInteger, Desc: "Number of clicks (2 for a double click)"},
			"holdKeys":    keyList("Keys to hold while clicking, e.g. [\"ctrl\"]", false),
		},
		Defaults: map[string]any{"button": "left", "clickCount": 1},
		validate: validateClickMouse,
	},
	PressMouse: {
		Description: "Press or release a mouse button at the given coordinates or the current position.",
		Params: map[string]*Param{
			"coordinates": point("Where to move before pressing", false),
			"button":      enum("Mouse button", Buttons, false),
			"press":       enum("Press down or release", PressStates, true),
		},
		Defaults: map[string]any{"button": "left"},
		validate: validatePressMouse,
	},
	DragMouse: {
		Description: "Drag along a path while holding a mouse button.",
		Params: map[string]*Param{
			"path":     pointPath("Points to drag through; the first is the start"),
			"button":   enum("Mouse button", Buttons, false),
			"holdKeys": keyList("Keys to hold while dragging", false),
		},
		Defaults: map[string]any{"button": "left"},
		validate: validateDragMouse,
	},
	Scroll: {
		Description: "Scroll at the given coordinates or the current mouse position.",
		Params: map[string]*Param{
			"coordinates": point("Where to scroll", false),
			"direction":   enum("Scroll direction", Directions, true),
			"scrollCount": {Type: TypeInteger, Desc: "Number of scroll steps"},
			"holdKeys":    keyList("Keys to hold while scrolling", false),
		},
		Defaults: map[string]any{"scrollCount": 1},
		validate: validateScroll,
	},
	TypeKeys: {
		Description: "Type a sequence of keys, for shortcuts and special keys.",
		Params: map[string]*Param{
			"keys":  keyList("Keys to type in sequence", true),
			"delay": {Type: TypeInteger, Desc: "Delay between keys in milliseconds"},
		},
		validate: validateTypeKeys,
	},
	PressKeys: {
		Description: "Press or release keys, for holding modifiers.",
		Params: map[string]*Param{
			"keys":  keyList("Keys to press or release", true),
			"press": enum("Press down or release", PressStates, true),
		},
		validate: validatePressKeys,
	},
	TypeText: {
		Description: "Type text on the keyboard.",
		Params: map[string]*Param{
			"text":      {Type: TypeString, Desc: "Text to type", Required: true},
			"delay":     {Type: TypeInteger, Desc: "Delay between characters in milliseconds"},
			"sensitive": {Type: TypeBoolean, Desc: "Set for passwords and other secrets; the text is never logged"},
		},
		validate: validateText,
	},
	PasteText: {
		Description: "Paste text through the clipboard, faster for long text.",
		Params:      map[string]*Param{"text": {Type: TypeString, Desc: "Text to paste", Required: true}},
		validate:    validateText,
	},
	Wait: {
		Description:   "Wait before the next action.",
		Params:        map[string]*Param{"duration": {Type: TypeInteger, Desc: "Duration in milliseconds, at most 60000", Required: true}},
		Observational: true,
		validate:      validateWait,
	},
	Screenshot: {
		Description:   "Take a screenshot of the desktop.",
		Params:        map[string]*Param{},
		Observational: true,
		ReturnsImage:  true,
	},
	CursorPosition: {
		Description:   "Report the current mouse cursor position.",
		Params:        map[string]*Param{},
		Observational: true,
	},
	Application: {
		Description: "Open or focus an application.",
		Params:      map[string]*Param{"application": enum("Application to open", Applications, true)},
		validate:    validateApplication,
	},
	WriteFile: {
		Description: "Write a file on the desktop machine.",
		Params: map[string]*Param{
			"path": {Type: TypeString, Desc: "Absolute file path", Required: true},
			"data": {Type: TypeString, Desc: "File content, base64 encoded", Required: true},
		},
		validate: validateWriteFile,
	},
	ReadFile: {
		Description:   "Read a file on the desktop machine; the content comes back base64 encoded.",
		Params:        map[string]*Param{"path": {Type: TypeString, Desc: "Absolute file path", Required: true}},
		Observational: true,
		validate:      validatePath,
	},
}

func init() {
	for k, s := range specs {
		s.Kind = k
	}
}

// Lookup returns the spec of a kind.
func Lookup(k Kind) (*Spec, bool) {
	s, ok := specs[k]
	return s, ok
}

// Kinds returns every known kind in a stable order.
func Kinds() []Kind {
	return slices.Sorted(maps.Keys(specs))
}

// IsObservational reports whether k leaves the desktop unchanged.
// Unknown kinds are treated as state-changing.
func IsObservational(k Kind) bool {
	s, ok := specs[k]
	return ok && s.Observational
}

// Normalize returns a copy of req with the kind's defaults filled in.
func Normalize(req Request) Request {
	out := Request{Kind: req.Kind, Params: maps.Clone(req.Params)}
	if out.Params == nil {
		out.Params = map[string]any{}
	}
	if s, ok := specs[req.Kind]; ok {
		for k, v := range s.Defaults {
			if _, set := out.Params[k]; !set {
				out.Params[k] = v
			}
		}
	}
	return out
}
