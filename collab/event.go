package collab

import (
	"strconv"
)

type UpdateKind string

const (
	UpdateModuleAdd       UpdateKind = "module_add"
	UpdateModuleMove      UpdateKind = "module_move"
	UpdateModuleDelete    UpdateKind = "module_delete"
	UpdateModuleConfig    UpdateKind = "module_config"
	UpdateModuleResize    UpdateKind = "module_resize"
	UpdateLinkAdd         UpdateKind = "link_add"
	UpdateLinkDelete      UpdateKind = "link_delete"
	UpdatePlayUpdate      UpdateKind = "play_update"
	UpdateVariableAdd     UpdateKind = "variable_add"
	UpdateVariableUpdate  UpdateKind = "variable_update"
	UpdateVariableDelete  UpdateKind = "variable_delete"
	UpdateBlockCollapse   UpdateKind = "block_collapse"
	UpdateSectionCollapse UpdateKind = "section_collapse"
)

func (self UpdateKind) Known() bool {
	switch self {
	case UpdateModuleAdd, UpdateModuleMove, UpdateModuleDelete,
		UpdateModuleConfig, UpdateModuleResize,
		UpdateLinkAdd, UpdateLinkDelete,
		UpdatePlayUpdate,
		UpdateVariableAdd, UpdateVariableUpdate, UpdateVariableDelete,
		UpdateBlockCollapse, UpdateSectionCollapse:
		return true
	default:
		return false
	}
}

// continuous kinds are produced at drag/keystroke rate and are
// coalesced by the dispatcher. Everything else sends immediately.
func (self UpdateKind) Continuous() bool {
	switch self {
	case UpdateModuleMove, UpdateModuleConfig, UpdatePlayUpdate, UpdateVariableUpdate:
		return true
	default:
		return false
	}
}

// one typed change description broadcast to a room.
// created by a client action, transmitted once, applied per-kind by
// every receiver. UserId/UserName/ConnId/ServerTime are stamped by the
// relay from the connection's verified identity.
type UpdateEvent struct {
	Kind UpdateKind `json:"kind"`

	UserId     Id     `json:"user_id,omitempty"`
	UserName   string `json:"user_name,omitempty"`
	ConnId     Id     `json:"conn_id,omitempty"`
	ServerTime int64  `json:"server_time,omitempty"`

	// module_add
	Module *Module `json:"module,omitempty"`
	// module_move/delete/config/resize, block_collapse
	ModuleId string `json:"module_id,omitempty"`
	// module_move
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
	// module_resize
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	// module_config and play_update: one field shallow-merged in
	Field string `json:"field,omitempty"`
	Value any    `json:"value,omitempty"`
	// link_add
	Link *Link `json:"link,omitempty"`
	// link_delete
	LinkId string `json:"link_id,omitempty"`
	// play_update
	PlayId string `json:"play_id,omitempty"`
	// variable_add
	Variable *Variable `json:"variable,omitempty"`
	// variable_update/delete, positional
	Index int `json:"index,omitempty"`
	// block_collapse/section_collapse
	SectionId string `json:"section_id,omitempty"`
	Collapsed bool   `json:"collapsed,omitempty"`
}

// the logical element the event targets. Used for debounce keying and
// for the transient highlight after a remote apply.
func (self *UpdateEvent) TargetId() string {
	switch self.Kind {
	case UpdateModuleAdd:
		if self.Module != nil {
			return self.Module.Id
		}
		return ""
	case UpdateModuleMove, UpdateModuleDelete, UpdateModuleConfig,
		UpdateModuleResize, UpdateBlockCollapse:
		return self.ModuleId
	case UpdateLinkAdd:
		if self.Link != nil {
			return self.Link.Id
		}
		return ""
	case UpdateLinkDelete:
		return self.LinkId
	case UpdatePlayUpdate:
		return self.PlayId
	case UpdateVariableAdd:
		if self.Variable != nil {
			return self.Variable.Id
		}
		return ""
	case UpdateVariableUpdate, UpdateVariableDelete:
		return strconv.Itoa(self.Index)
	case UpdateSectionCollapse:
		return self.SectionId
	default:
		return ""
	}
}

func NewModuleAddUpdate(module *Module) *UpdateEvent {
	return &UpdateEvent{
		Kind:   UpdateModuleAdd,
		Module: module,
	}
}

func NewModuleMoveUpdate(moduleId string, x float64, y float64) *UpdateEvent {
	return &UpdateEvent{
		Kind:     UpdateModuleMove,
		ModuleId: moduleId,
		X:        x,
		Y:        y,
	}
}

func NewModuleDeleteUpdate(moduleId string) *UpdateEvent {
	return &UpdateEvent{
		Kind:     UpdateModuleDelete,
		ModuleId: moduleId,
	}
}

func NewModuleConfigUpdate(moduleId string, field string, value any) *UpdateEvent {
	return &UpdateEvent{
		Kind:     UpdateModuleConfig,
		ModuleId: moduleId,
		Field:    field,
		Value:    value,
	}
}

func NewModuleResizeUpdate(moduleId string, width float64, height float64) *UpdateEvent {
	return &UpdateEvent{
		Kind:     UpdateModuleResize,
		ModuleId: moduleId,
		Width:    width,
		Height:   height,
	}
}

func NewLinkAddUpdate(link *Link) *UpdateEvent {
	return &UpdateEvent{
		Kind: UpdateLinkAdd,
		Link: link,
	}
}

func NewLinkDeleteUpdate(linkId string) *UpdateEvent {
	return &UpdateEvent{
		Kind:   UpdateLinkDelete,
		LinkId: linkId,
	}
}

func NewPlayUpdate(playId string, field string, value any) *UpdateEvent {
	return &UpdateEvent{
		Kind:   UpdatePlayUpdate,
		PlayId: playId,
		Field:  field,
		Value:  value,
	}
}

func NewVariableAddUpdate(variable *Variable) *UpdateEvent {
	return &UpdateEvent{
		Kind:     UpdateVariableAdd,
		Variable: variable,
	}
}

func NewVariableUpdate(index int, value any) *UpdateEvent {
	return &UpdateEvent{
		Kind:  UpdateVariableUpdate,
		Index: index,
		Value: value,
	}
}

func NewVariableDeleteUpdate(index int) *UpdateEvent {
	return &UpdateEvent{
		Kind:  UpdateVariableDelete,
		Index: index,
	}
}

func NewBlockCollapseUpdate(moduleId string, collapsed bool) *UpdateEvent {
	return &UpdateEvent{
		Kind:      UpdateBlockCollapse,
		ModuleId:  moduleId,
		Collapsed: collapsed,
	}
}

func NewSectionCollapseUpdate(sectionId string, collapsed bool) *UpdateEvent {
	return &UpdateEvent{
		Kind:      UpdateSectionCollapse,
		SectionId: sectionId,
		Collapsed: collapsed,
	}
}
